package domain

import (
	"github.com/pion/webrtc/v4"
)

// Wire message types. Client-originated and server-originated types share
// one envelope so adapters can route on Type alone.
const (
	MsgRegister     = "register"
	MsgCallRequest  = "call-request"
	MsgOffer        = "webrtc-offer"
	MsgAnswer       = "webrtc-answer"
	MsgCandidate    = "webrtc-candidate"
	MsgRequestOffer = "request-offer"
	MsgEndCall      = "end-call"

	MsgIncomingCall       = "incoming-call"
	MsgCallStarted        = "call-started"
	MsgCallLocked         = "call-locked"
	MsgInsufficientTokens = "insufficient-friday-tokens"
	MsgBalanceUpdate      = "friday-balance-update"

	MsgPing = "ping"
	MsgPong = "pong"
)

// Envelope is the one JSON shape every signaling message uses. Fields are
// populated per Type; DeviceID is stamped on every client-originated message
// so replies can be addressed to the correct device of a multi-device user.
type Envelope struct {
	Type     string   `json:"type"`
	DeviceID DeviceID `json:"deviceId,omitempty"`
	CallID   CallID   `json:"callId,omitempty"`

	// Sender is set by the server adapter from the registered connection,
	// never trusted from the wire.
	Sender UserID `json:"-"`

	TargetID   UserID `json:"targetId,omitempty"`
	CallerID   UserID `json:"callerId,omitempty"`
	From       UserID `json:"from,omitempty"`
	CallerName string `json:"callerName,omitempty"`

	// register payload
	RegisterUserID UserID `json:"userId,omitempty"`
	Role           Role   `json:"role,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Reason           EndReason `json:"reason,omitempty"`
	MinutesRemaining *int      `json:"minutesRemaining,omitempty"`
}
