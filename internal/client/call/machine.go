package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/core/domain"
)

const (
	// safetyTimeout bounds ringing-to-connected. Expiry hard-resets.
	safetyTimeout = 60 * time.Second
	// renegTimeout bounds path recovery after a transient disconnect.
	renegTimeout = 30 * time.Second
)

var (
	ErrBusy        = errors.New("another call is active")
	ErrNoTokens    = errors.New("no friday tokens")
	ErrNotRinging  = errors.New("no incoming call to accept")
	ErrMicrophone  = errors.New("microphone unavailable")
	ErrMachineDown = errors.New("call machine closed")
)

type Config struct {
	UserID     domain.UserID
	Role       domain.Role
	CallerName string
	// Counterparty is the fixed identity this machine places calls to.
	Counterparty domain.UserID
}

// Machine is the per-process call state machine. All external inputs
// (signaling envelopes, peer-engine callbacks, timers, user commands)
// funnel through one event loop, so transitions are serialized and every
// asynchronous continuation is checked against the active callId before it
// may touch state.
type Machine struct {
	cfg     Config
	sig     Signaler
	factory SessionFactory
	media   MediaSource
	gate    BalanceGate
	fetcher PendingCallFetcher
	notify  Notify
	now     func() time.Time

	events    chan any
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	safetyTimeout time.Duration
	renegTimeout  time.Duration

	// Everything below is owned by the event loop goroutine.
	state        State
	activeCallID domain.CallID
	isCaller     bool
	remoteID     domain.UserID
	mode         domain.Mode
	link         PeerLink
	track        webrtc.TrackLocal
	muted        bool
	pendingOffer *webrtc.SessionDescription
	// Candidates that arrived before the callee accepted (no PeerLink yet);
	// handed to the link in arrival order right after it is created.
	earlyCandidates []webrtc.ICECandidateInit
	safetyTimer     *time.Timer
	renegTimer      *time.Timer
}

func NewMachine(cfg Config, sig Signaler, factory SessionFactory, media MediaSource, gate BalanceGate, fetcher PendingCallFetcher, notify Notify) *Machine {
	return &Machine{
		cfg:     cfg,
		sig:     sig,
		factory: factory,
		media:   media,
		gate:    gate,
		fetcher: fetcher,
		notify:  notify,
		now:     time.Now,
		events:  make(chan any, 64),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,

		safetyTimeout: safetyTimeout,
		renegTimeout:  renegTimeout,
	}
}

// Status is a consistent snapshot of the machine, taken on its event loop.
type Status struct {
	State  State
	CallID domain.CallID
	Muted  bool
}

type statusReq struct {
	reply chan Status
}

func (m *Machine) Status() Status {
	reply := make(chan Status, 1)
	select {
	case m.events <- statusReq{reply: reply}:
	case <-m.closed:
		return Status{State: StateIdle}
	}
	select {
	case s := <-reply:
		return s
	case <-m.closed:
		return Status{State: StateIdle}
	}
}

func (m *Machine) Start() {
	go m.loop()
}

func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	<-m.done
}

// HandleEnvelope feeds an inbound signaling message into the machine. Wire
// this as the transport channel's handler.
func (m *Machine) HandleEnvelope(env domain.Envelope) {
	m.post(wireEvent{env: env})
}

// PlaceCall rings the configured counterparty. Fails without any signaling
// side effects when the balance gate denies or the microphone is
// unavailable.
func (m *Machine) PlaceCall(ctx context.Context) error { return m.command(ctx, cmdPlace) }

// Accept answers the currently ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error { return m.command(ctx, cmdAccept) }

// End hangs up. No-op when idle.
func (m *Machine) End() error { return m.command(context.Background(), cmdEnd) }

// ToggleMute flips the local audio between sending and silent.
func (m *Machine) ToggleMute() error { return m.command(context.Background(), cmdToggleMute) }

// Resume polls the REST fallback for a ring missed while the channel was
// down. Call on app foreground / reconnect.
func (m *Machine) Resume(ctx context.Context) error { return m.command(ctx, cmdResume) }

func (m *Machine) command(ctx context.Context, kind cmdKind) error {
	reply := make(chan error, 1)
	select {
	case m.events <- command{kind: kind, ctx: ctx, reply: reply}:
	case <-m.closed:
		return ErrMachineDown
	}
	select {
	case err := <-reply:
		return err
	case <-m.closed:
		return ErrMachineDown
	}
}

func (m *Machine) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.closed:
			m.teardown()
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) dispatch(ev any) {
	switch e := ev.(type) {
	case command:
		e.reply <- m.runCommand(e)
	case statusReq:
		e.reply <- Status{State: m.state, CallID: m.activeCallID, Muted: m.muted}
	case wireEvent:
		m.handleWire(e.env)
	case localCandidateEvent:
		m.handleLocalCandidate(e)
	case remoteTrackEvent:
		if e.callID == m.activeCallID && m.notify.RemoteTrack != nil {
			m.notify.RemoteTrack(e.track)
		}
	case connStateEvent:
		m.handleConnState(e)
	case timerEvent:
		m.handleTimer(e)
	}
}

func (m *Machine) runCommand(c command) error {
	switch c.kind {
	case cmdPlace:
		return m.doPlace(c.ctx)
	case cmdAccept:
		return m.doAccept(c.ctx)
	case cmdEnd:
		if m.state == StateIdle {
			return nil
		}
		m.endCall(domain.EndUserHangup, true)
		return nil
	case cmdToggleMute:
		return m.doToggleMute()
	case cmdResume:
		return m.doResume(c.ctx)
	}
	return nil
}

// doPlace implements the caller side of the Idle → Ringing transition. The
// gate is consulted first; a denial means no PeerLink, no microphone, and
// no signaling toward the callee at all.
func (m *Machine) doPlace(ctx context.Context) error {
	if m.state != StateIdle {
		return ErrBusy
	}

	m.mode = domain.ModeAt(m.now())
	if m.mode == domain.ModeFriday {
		minutes, err := m.gate.FridayBalance(ctx)
		if err != nil {
			return fmt.Errorf("balance check: %w", err)
		}
		if minutes <= 0 {
			if m.notify.InsufficientFunds != nil {
				m.notify.InsufficientFunds()
			}
			return ErrNoTokens
		}
	}

	track, err := m.media.AcquireTrack()
	if err != nil {
		// Surfaced before any signaling message is sent.
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}

	callID := domain.NewCallID()
	link, err := m.factory(callID, m.hooks(callID))
	if err != nil {
		m.media.Release()
		return err
	}
	if err := link.AttachLocalAudio(track); err != nil {
		link.Close()
		m.media.Release()
		return err
	}
	offer, err := link.CreateOffer(false)
	if err != nil {
		link.Close()
		m.media.Release()
		return err
	}

	m.link = link
	m.track = track
	m.activeCallID = callID
	m.isCaller = true
	m.remoteID = m.cfg.Counterparty
	m.muted = false

	m.send(domain.Envelope{
		Type:       domain.MsgCallRequest,
		TargetID:   m.remoteID,
		CallerName: m.cfg.CallerName,
		CallID:     callID,
	})
	m.send(domain.Envelope{
		Type:     domain.MsgOffer,
		TargetID: m.remoteID,
		Offer:    &offer,
		CallerID: m.cfg.UserID,
		CallID:   callID,
	})

	m.setState(StateRinging)
	m.armSafety(callID)
	return nil
}

// doAccept implements the callee side. Any stale PeerLink goes first, then
// media, then a fresh link; the held offer (if any) is applied and answered,
// otherwise the caller is asked to produce one for this callId.
func (m *Machine) doAccept(ctx context.Context) error {
	if m.state != StateRinging || m.isCaller || m.activeCallID == "" {
		return ErrNotRinging
	}
	callID := m.activeCallID

	m.closeLink()
	m.media.Release()

	track, err := m.media.AcquireTrack()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}
	link, err := m.factory(callID, m.hooks(callID))
	if err != nil {
		m.media.Release()
		return err
	}
	if err := link.AttachLocalAudio(track); err != nil {
		link.Close()
		m.media.Release()
		return err
	}

	m.link = link
	m.track = track
	m.muted = false

	// Replay candidates that outran the accept, in arrival order. The link
	// buffers them until the remote description lands.
	for _, cand := range m.earlyCandidates {
		if err := link.AddRemoteCandidate(cand); err != nil {
			log.Warn().Err(err).Msg("Early candidate rejected, skipping")
		}
	}
	m.earlyCandidates = nil

	if m.pendingOffer != nil {
		if err := link.ApplyRemoteDescription(*m.pendingOffer); err != nil {
			m.endCall(domain.EndConnectTimeout, true)
			return err
		}
		answer, err := link.CreateAnswer()
		if err != nil {
			m.endCall(domain.EndConnectTimeout, true)
			return err
		}
		m.pendingOffer = nil
		m.send(domain.Envelope{
			Type:     domain.MsgAnswer,
			TargetID: m.remoteID,
			Answer:   &answer,
			CallID:   callID,
		})
	} else {
		// Opened from a push notification: the offer never reached us, so
		// ask the caller to renegotiate this callId.
		m.send(domain.Envelope{
			Type:     domain.MsgRequestOffer,
			TargetID: m.remoteID,
			CallID:   callID,
		})
	}

	m.setState(StateAccepted)
	m.armSafety(callID)
	return nil
}

func (m *Machine) doToggleMute() error {
	if m.link == nil || m.track == nil {
		return nil
	}
	m.muted = !m.muted
	if m.muted {
		return m.link.AttachLocalAudio(nil)
	}
	return m.link.AttachLocalAudio(m.track)
}

func (m *Machine) doResume(ctx context.Context) error {
	if m.state != StateIdle {
		return nil
	}
	pending, err := m.fetcher.PendingCall(ctx)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	m.ring(pending.CallID, pending.CallerID, pending.CallerName)
	return nil
}

func (m *Machine) handleWire(env domain.Envelope) {
	// Stale-message guard: anything scoped to a callId other than the
	// current one is a silent no-op, whatever its type.
	if env.CallID != "" && m.activeCallID != "" && env.CallID != m.activeCallID {
		log.Debug().Str("type", env.Type).Str("call_id", env.CallID.String()).Msg("Stale callId, ignoring")
		return
	}

	switch env.Type {
	case domain.MsgIncomingCall:
		if m.state != StateIdle {
			return // busy; no call-waiting by design
		}
		m.ring(env.CallID, env.CallerID, env.CallerName)

	case domain.MsgOffer:
		m.handleOffer(env)

	case domain.MsgAnswer:
		if m.link == nil || env.Answer == nil || env.CallID != m.activeCallID {
			return
		}
		if err := m.link.ApplyRemoteDescription(*env.Answer); err != nil {
			log.Error().Err(err).Msg("Applying answer failed, resetting")
			m.endCall(domain.EndConnectTimeout, true)
		}

	case domain.MsgCandidate:
		if env.Candidate == nil || env.CallID != m.activeCallID || m.activeCallID == "" {
			return
		}
		if m.link == nil {
			// Ringing as callee: hold until accept creates the link.
			m.earlyCandidates = append(m.earlyCandidates, *env.Candidate)
			return
		}
		if err := m.link.AddRemoteCandidate(*env.Candidate); err != nil {
			log.Warn().Err(err).Msg("Candidate rejected, skipping")
		}

	case domain.MsgRequestOffer:
		if m.link == nil || env.CallID != m.activeCallID {
			return
		}
		m.sendRestartOffer()

	case domain.MsgEndCall:
		if m.state == StateIdle || (env.CallID != "" && env.CallID != m.activeCallID) {
			return
		}
		reason := domain.EndRemoteHangup
		if env.Reason != "" {
			reason = env.Reason
		}
		// The end came over the wire; answering it with another end-call
		// would loop.
		m.endCall(reason, false)

	case domain.MsgCallStarted:
		if m.state == StateRinging && m.isCaller && env.CallID == m.activeCallID {
			m.setState(StateAccepted)
		}

	case domain.MsgCallLocked:
		if m.state == StateRinging && !m.isCaller && env.CallID == m.activeCallID {
			callID := m.activeCallID
			m.teardown()
			m.setState(StateIdle)
			if m.notify.CallLocked != nil {
				m.notify.CallLocked(callID)
			}
		}

	case domain.MsgInsufficientTokens:
		// Server-side gate overruled us (stale local balance). Never sent
		// anything the callee saw, so reset quietly.
		m.teardown()
		if m.state != StateIdle {
			m.setState(StateIdle)
		}
		if m.notify.InsufficientFunds != nil {
			m.notify.InsufficientFunds()
		}

	case domain.MsgBalanceUpdate:
		if env.MinutesRemaining != nil && m.notify.BalanceUpdated != nil {
			m.notify.BalanceUpdated(*env.MinutesRemaining)
		}

	default:
		log.Debug().Str("type", env.Type).Msg("Unhandled signal")
	}
}

func (m *Machine) handleOffer(env domain.Envelope) {
	if env.Offer == nil {
		return
	}
	from := env.CallerID
	if from == "" {
		from = env.From
	}

	switch {
	case m.state == StateIdle:
		// Held unapplied: no PeerLink, no microphone until an explicit
		// accept. Prevents consuming capture for unanswered calls.
		m.ring(env.CallID, from, env.CallerName)
		offer := *env.Offer
		m.pendingOffer = &offer

	case m.state == StateRinging && !m.isCaller && env.CallID == m.activeCallID:
		offer := *env.Offer
		m.pendingOffer = &offer

	case m.link != nil && env.CallID == m.activeCallID:
		// Renegotiation of the live call (path restart).
		if err := m.link.ApplyRemoteDescription(*env.Offer); err != nil {
			log.Error().Err(err).Msg("Applying renegotiation offer failed, resetting")
			m.endCall(domain.EndConnectTimeout, true)
			return
		}
		answer, err := m.link.CreateAnswer()
		if err != nil {
			m.endCall(domain.EndConnectTimeout, true)
			return
		}
		m.send(domain.Envelope{
			Type:     domain.MsgAnswer,
			TargetID: m.remoteID,
			Answer:   &answer,
			CallID:   m.activeCallID,
		})
	}
}

func (m *Machine) handleLocalCandidate(e localCandidateEvent) {
	if e.callID != m.activeCallID {
		return
	}
	cand := e.cand
	m.send(domain.Envelope{
		Type:      domain.MsgCandidate,
		TargetID:  m.remoteID,
		Candidate: &cand,
		CallID:    e.callID,
	})
}

func (m *Machine) handleConnState(e connStateEvent) {
	if e.callID != m.activeCallID {
		return
	}
	switch e.state {
	case webrtc.PeerConnectionStateConnected:
		m.stopTimer(&m.safetyTimer)
		m.stopTimer(&m.renegTimer)
		if m.state == StateRinging || m.state == StateAccepted {
			m.setState(StateConnected)
		}

	case webrtc.PeerConnectionStateDisconnected:
		if m.state != StateConnected && m.state != StateAccepted {
			return
		}
		// Transient path loss: renegotiate in place instead of tearing
		// down; the hard reset only comes if recovery misses its window.
		m.armReneg(e.callID)
		if m.isCaller {
			m.sendRestartOffer()
		} else {
			m.send(domain.Envelope{
				Type:     domain.MsgRequestOffer,
				TargetID: m.remoteID,
				CallID:   e.callID,
			})
		}

	case webrtc.PeerConnectionStateFailed:
		if m.state != StateIdle {
			m.endCall(domain.EndConnectTimeout, true)
		}
	}
}

func (m *Machine) handleTimer(e timerEvent) {
	if e.callID != m.activeCallID || m.state == StateIdle {
		return
	}
	switch e.kind {
	case timerSafety:
		if m.state != StateConnected {
			m.endCall(domain.EndConnectTimeout, true)
		}
	case timerReneg:
		if m.state != StateConnected {
			m.endCall(domain.EndConnectTimeout, true)
		}
	}
}

func (m *Machine) sendRestartOffer() {
	offer, err := m.link.CreateOffer(true)
	if err != nil {
		log.Error().Err(err).Msg("Restart offer failed, resetting")
		m.endCall(domain.EndConnectTimeout, true)
		return
	}
	m.send(domain.Envelope{
		Type:     domain.MsgOffer,
		TargetID: m.remoteID,
		Offer:    &offer,
		CallerID: m.cfg.UserID,
		CallID:   m.activeCallID,
	})
}

func (m *Machine) ring(callID domain.CallID, caller domain.UserID, callerName string) {
	m.activeCallID = callID
	m.remoteID = caller
	m.isCaller = false
	m.setState(StateRinging)
	if m.notify.IncomingCall != nil {
		m.notify.IncomingCall(domain.PendingCall{
			CallID:     callID,
			CallerID:   caller,
			CallerName: callerName,
			CreatedAt:  m.now(),
		})
	}
}

// endCall is the single End transition. It notifies the remote party unless
// the end itself arrived over the wire, then releases everything and
// surfaces the reason.
func (m *Machine) endCall(reason domain.EndReason, notifyRemote bool) {
	if m.state == StateIdle {
		return
	}
	if notifyRemote && m.remoteID != "" {
		m.send(domain.Envelope{
			Type:     domain.MsgEndCall,
			TargetID: m.remoteID,
			CallID:   m.activeCallID,
		})
	}
	m.teardown()
	m.setState(StateIdle)
	if m.notify.CallEnded != nil {
		m.notify.CallEnded(reason)
	}
}

// teardown releases the PeerLink, media, timers, and per-call state.
// Idempotent: calling it when already idle changes nothing.
func (m *Machine) teardown() {
	m.stopTimer(&m.safetyTimer)
	m.stopTimer(&m.renegTimer)
	m.closeLink()
	m.media.Release()
	m.track = nil
	m.muted = false
	m.pendingOffer = nil
	m.earlyCandidates = nil
	m.activeCallID = ""
	m.remoteID = ""
	m.isCaller = false
}

func (m *Machine) closeLink() {
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			log.Warn().Err(err).Msg("PeerLink close failed")
		}
		m.link = nil
	}
}

func (m *Machine) hooks(callID domain.CallID) PeerHooks {
	return PeerHooks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			m.post(localCandidateEvent{callID: callID, cand: cand})
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			m.post(remoteTrackEvent{callID: callID, track: track})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			m.post(connStateEvent{callID: callID, state: state})
		},
	}
}

func (m *Machine) armSafety(callID domain.CallID) {
	m.stopTimer(&m.safetyTimer)
	m.safetyTimer = time.AfterFunc(m.safetyTimeout, func() {
		m.post(timerEvent{callID: callID, kind: timerSafety})
	})
}

func (m *Machine) armReneg(callID domain.CallID) {
	if m.renegTimer != nil {
		return
	}
	m.renegTimer = time.AfterFunc(m.renegTimeout, func() {
		m.post(timerEvent{callID: callID, kind: timerReneg})
	})
}

func (m *Machine) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.notify.StateChanged != nil {
		m.notify.StateChanged(s)
	}
}

func (m *Machine) send(env domain.Envelope) {
	if err := m.sig.Send(env); err != nil {
		// Transport faults are absorbed by the channel's reconnect loop;
		// nothing to do here but note it.
		log.Debug().Err(err).Str("type", env.Type).Msg("Signal send deferred")
	}
}
