package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/core/domain"
)

var ErrSessionClosed = errors.New("peer session closed")

// Hooks are the engine's callbacks into the call state machine. They are
// invoked from pion's goroutines; receivers must funnel them into their own
// event loop.
type Hooks struct {
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnRemoteTrack     func(*webrtc.TrackRemote)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Engine builds PeerLink sessions. One engine per process; at most one live
// session at a time is enforced by the call state machine, not here.
type Engine struct {
	stunServers []string
}

func NewEngine(stunServers []string) *Engine {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Engine{stunServers: stunServers}
}

// Session is the negotiated media transport for one call attempt. The audio
// path is created exactly once, at session creation, as a single sendrecv
// transceiver. Offer/answer exchanges never change the number of media
// lines, so renegotiation cannot produce a mismatched line count.
type Session struct {
	callID domain.CallID
	pc     *webrtc.PeerConnection
	audio  *webrtc.RTPTransceiver

	mu        sync.Mutex
	closed    bool
	remoteSet bool
	// Candidates that arrived before the remote description, replayed in
	// arrival order once it lands.
	pendingCandidates []webrtc.ICECandidateInit
}

func (e *Engine) NewSession(callID domain.CallID, hooks Hooks) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.stunServers}},
	})
	if err != nil {
		return nil, err
	}

	audio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	s := &Session{callID: callID, pc: pc, audio: audio}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		hooks.OnLocalCandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if hooks.OnConnectionState != nil {
			hooks.OnConnectionState(state)
		}
	})

	return s, nil
}

func (s *Session) CallID() domain.CallID { return s.callID }

// AttachLocalAudio replaces the sender's track in place. It never adds a
// second media line; passing nil stops sending (mute).
func (s *Session) AttachLocalAudio(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.audio.Sender().ReplaceTrack(track)
}

// CreateOffer produces and applies the local offer. iceRestart requests
// fresh path discovery for the existing session, which is how the engine
// recovers from transient path loss without tearing the session down.
func (s *Session) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	s.mu.Unlock()

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyRemoteDescription sets the remote offer or answer and replays any
// buffered candidates in arrival order. A candidate that fails to apply is
// skipped; it must not block the rest of the batch.
func (s *Session) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.remoteSet = true
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("call_id", s.callID.String()).Msg("Buffered candidate rejected, skipping")
		}
	}
	return nil
}

// CreateAnswer produces and applies the local answer to a previously applied
// remote offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AddRemoteCandidate applies a remote network-path candidate, buffering it
// when the remote description has not been set yet.
func (s *Session) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pendingCandidates = append(s.pendingCandidates, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(cand)
}

// BufferedCandidates reports how many candidates are waiting for the remote
// description.
func (s *Session) BufferedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

// Close tears the session down and discards any buffered candidates.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pendingCandidates = nil
	s.mu.Unlock()
	return s.pc.Close()
}
