package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/piatok/piatok/internal/core/domain"
)

// State is the externally observable call lifecycle of this process.
type State string

const (
	StateIdle      State = "idle"
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateConnected State = "connected"
)

// Signaler sends envelopes toward the signaling server. Implemented by
// transport.Channel; tests substitute a recorder.
type Signaler interface {
	Send(env domain.Envelope) error
}

// PeerLink is one negotiated media session. Implemented by *peer.Session.
type PeerLink interface {
	AttachLocalAudio(track webrtc.TrackLocal) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	CreateAnswer() (webrtc.SessionDescription, error)
	AddRemoteCandidate(cand webrtc.ICECandidateInit) error
	Close() error
}

// SessionFactory builds the PeerLink for a call attempt.
type SessionFactory func(callID domain.CallID, hooks PeerHooks) (PeerLink, error)

// PeerHooks mirrors peer.Hooks without importing it, keeping the machine
// testable against fakes.
type PeerHooks struct {
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnRemoteTrack     func(*webrtc.TrackRemote)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// MediaSource acquires the local audio capture. The device is held at most
// once; Release must precede or immediately follow reacquisition.
type MediaSource interface {
	AcquireTrack() (webrtc.TrackLocal, error)
	Release()
}

// BalanceGate is the client-side view of the Balance Gate.
type BalanceGate interface {
	FridayBalance(ctx context.Context) (int, error)
}

// PendingCallFetcher is the REST fallback poll.
type PendingCallFetcher interface {
	PendingCall(ctx context.Context) (*domain.PendingCall, error)
}

// Notify carries the machine's callbacks to the surrounding application.
// All fields are optional. Callbacks run on the machine's event loop; keep
// them short.
type Notify struct {
	StateChanged func(State)
	IncomingCall func(domain.PendingCall)
	// CallEnded fires on every return to idle from a live call, with the
	// four distinguishable reasons. Balance depletion is the one the UI
	// must treat specially (redirect to the purchase flow).
	CallEnded func(domain.EndReason)
	// CallLocked fires when another device of this user answered the ring.
	CallLocked        func(domain.CallID)
	InsufficientFunds func()
	BalanceUpdated    func(minutes int)
	RemoteTrack       func(*webrtc.TrackRemote)
}

// Internal event loop messages.

type cmdKind int

const (
	cmdPlace cmdKind = iota
	cmdAccept
	cmdEnd
	cmdToggleMute
	cmdResume
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error
}

type wireEvent struct {
	env domain.Envelope
}

type localCandidateEvent struct {
	callID domain.CallID
	cand   webrtc.ICECandidateInit
}

type remoteTrackEvent struct {
	callID domain.CallID
	track  *webrtc.TrackRemote
}

type connStateEvent struct {
	callID domain.CallID
	state  webrtc.PeerConnectionState
}

type timerKind int

const (
	timerSafety timerKind = iota
	timerReneg
)

type timerEvent struct {
	callID domain.CallID
	kind   timerKind
}
