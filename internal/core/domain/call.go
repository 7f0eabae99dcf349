package domain

import (
	"errors"
	"time"
)

type CallState string

const (
	CallRinging   CallState = "ringing"
	CallAccepted  CallState = "accepted"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
)

// EndReason distinguishes the four terminal outcomes a call can have.
// Only EndBalanceDepleted carries a UI contract (redirect to purchase).
type EndReason string

const (
	EndUserHangup      EndReason = "user-hangup"
	EndRemoteHangup    EndReason = "remote-hangup"
	EndBalanceDepleted EndReason = "balance-depleted"
	EndConnectTimeout  EndReason = "connect-timeout"
)

var ErrCallEnded = errors.New("call already ended")

// CallSession is the authoritative record of one call attempt, kept by the
// server from ring to hangup. The billing mode is fixed at placement time.
type CallSession struct {
	ID       CallID
	CallerID UserID
	CalleeID UserID
	Mode     Mode
	State    CallState

	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
}

func NewCallSession(id CallID, caller, callee UserID, mode Mode, now time.Time) *CallSession {
	return &CallSession{
		ID:        id,
		CallerID:  caller,
		CalleeID:  callee,
		Mode:      mode,
		State:     CallRinging,
		StartedAt: now,
	}
}

func (s *CallSession) Accept(now time.Time) error {
	if s.State == CallEnded {
		return ErrCallEnded
	}
	s.State = CallAccepted
	return nil
}

func (s *CallSession) Connect(now time.Time) error {
	if s.State == CallEnded {
		return ErrCallEnded
	}
	s.State = CallConnected
	s.ConnectedAt = &now
	return nil
}

// End is idempotent so a hangup racing a forced termination settles once.
func (s *CallSession) End(now time.Time) {
	if s.State == CallEnded {
		return
	}
	s.State = CallEnded
	s.EndedAt = &now
}

// Other returns the counterparty of the given participant.
func (s *CallSession) Other(id UserID) UserID {
	if id == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// PendingCall is the durable fallback record written when a call is placed,
// recovered by the callee over REST when the live channel missed the ring.
type PendingCall struct {
	CallID     CallID    `json:"callId"`
	CallerID   UserID    `json:"callerId"`
	CallerName string    `json:"callerName"`
	CreatedAt  time.Time `json:"createdAt"`
}
