package service

import (
	"context"
	"sync"
	"time"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/port"
	"github.com/rs/zerolog/log"
)

// ringTimeout bounds how long a placed call may stay unanswered before the
// server drops its record. Mirrors the clients' own safety timers.
const ringTimeout = 60 * time.Second

// CallService is the server half of the signaling core: it routes envelopes
// between the two parties, keeps the authoritative CallSession ledger,
// maintains pending-call fallback records, and lets the Balance Gate veto or
// terminate calls.
type CallService struct {
	gateway  port.RealTimeGateway
	pending  port.PendingCallStore
	balance  *BalanceService
	notifier port.OfflineNotifier
	now      func() time.Time

	mu     sync.Mutex
	calls  map[domain.CallID]*domain.CallSession
	timers map[domain.CallID]*time.Timer
}

func NewCallService(gateway port.RealTimeGateway, pending port.PendingCallStore, balance *BalanceService, notifier port.OfflineNotifier) *CallService {
	return &CallService{
		gateway:  gateway,
		pending:  pending,
		balance:  balance,
		notifier: notifier,
		now:      time.Now,
		calls:    make(map[domain.CallID]*domain.CallSession),
		timers:   make(map[domain.CallID]*time.Timer),
	}
}

// HandleEnvelope dispatches one client-originated signaling message.
// env.Sender and env.DeviceID are filled in by the transport adapter.
func (s *CallService) HandleEnvelope(ctx context.Context, env domain.Envelope) error {
	switch env.Type {
	case domain.MsgCallRequest:
		return s.handleCallRequest(ctx, env)
	case domain.MsgAnswer:
		return s.handleAnswer(ctx, env)
	case domain.MsgOffer, domain.MsgCandidate, domain.MsgRequestOffer:
		return s.relay(ctx, env)
	case domain.MsgEndCall:
		return s.handleEnd(ctx, env)
	default:
		log.Debug().Str("type", env.Type).Msg("Ignoring unhandled signal type")
		return nil
	}
}

// handleCallRequest gates the call on the caller's balance, rings every live
// device of the callee, writes the durable fallback record, and pushes an
// offline notification when nobody is connected.
func (s *CallService) handleCallRequest(ctx context.Context, env domain.Envelope) error {
	caller, callee := env.Sender, env.TargetID
	mode := domain.ModeAt(s.now())

	allowance, err := s.balance.CheckAllowance(ctx, caller, mode)
	if err != nil {
		return err
	}
	if !allowance.Allowed {
		log.Info().Str("caller", caller.String()).Msg("Call denied: no Friday tokens")
		return s.gateway.SendToDevice(ctx, caller, env.DeviceID, domain.Envelope{
			Type:   domain.MsgInsufficientTokens,
			CallID: env.CallID,
		})
	}

	session := domain.NewCallSession(env.CallID, caller, callee, mode, s.now())
	s.mu.Lock()
	s.calls[env.CallID] = session
	s.timers[env.CallID] = time.AfterFunc(ringTimeout, func() {
		s.expireRinging(env.CallID)
	})
	s.mu.Unlock()

	record := domain.PendingCall{
		CallID:     env.CallID,
		CallerID:   caller,
		CallerName: env.CallerName,
		CreatedAt:  s.now(),
	}
	// Always written, even when live delivery succeeds: the callee may be
	// mid-reconnect and recover the ring over REST.
	if err := s.pending.Put(ctx, callee, record); err != nil {
		log.Error().Err(err).Str("call_id", env.CallID.String()).Msg("Pending-call write failed")
	}

	delivered, err := s.gateway.RouteToUser(ctx, callee, domain.Envelope{
		Type:       domain.MsgIncomingCall,
		CallID:     env.CallID,
		CallerID:   caller,
		CallerName: env.CallerName,
	})
	if err != nil {
		return err
	}
	if delivered == 0 {
		if err := s.notifier.NotifyIncomingCall(ctx, callee, record); err != nil {
			log.Error().Err(err).Str("callee", callee.String()).Msg("Offline push failed")
		}
	}
	return nil
}

// handleAnswer relays the answer to the caller, locks the call to the
// answering device, tells both sides the call started, and arms the meter.
func (s *CallService) handleAnswer(ctx context.Context, env domain.Envelope) error {
	session, ok := s.session(env.CallID)
	if !ok {
		log.Debug().Str("call_id", env.CallID.String()).Msg("Answer for unknown call, dropping")
		return nil
	}

	if err := s.relay(ctx, env); err != nil {
		return err
	}

	s.mu.Lock()
	if t, ok := s.timers[env.CallID]; ok {
		t.Stop()
		delete(s.timers, env.CallID)
	}
	// The answer relay is the server's "connected" moment: there is no
	// separate media-connected message on the wire.
	_ = session.Connect(s.now())
	s.mu.Unlock()

	if _, err := s.gateway.RouteToOtherDevices(ctx, env.Sender, env.DeviceID, domain.Envelope{
		Type:   domain.MsgCallLocked,
		CallID: env.CallID,
	}); err != nil {
		log.Error().Err(err).Msg("call-locked fanout failed")
	}

	started := domain.Envelope{Type: domain.MsgCallStarted, CallID: env.CallID}
	if _, err := s.gateway.RouteToUser(ctx, session.CallerID, started); err != nil {
		log.Error().Err(err).Msg("call-started to caller failed")
	}
	if _, err := s.gateway.RouteToUser(ctx, session.CalleeID, started); err != nil {
		log.Error().Err(err).Msg("call-started to callee failed")
	}

	if err := s.pending.Clear(ctx, session.CalleeID, env.CallID); err != nil {
		log.Error().Err(err).Msg("Pending-call clear failed")
	}

	s.balance.StartMetering(env.CallID, session.CallerID, session.Mode, func() {
		s.forceEnd(env.CallID)
	})
	return nil
}

func (s *CallService) handleEnd(ctx context.Context, env domain.Envelope) error {
	if err := s.relay(ctx, env); err != nil {
		log.Error().Err(err).Msg("end-call relay failed")
	}
	session, ok := s.session(env.CallID)
	if !ok {
		return nil
	}
	s.settle(ctx, session)
	return nil
}

// relay forwards an envelope to the target user, stamping the sender so the
// receiver can address its reply.
func (s *CallService) relay(ctx context.Context, env domain.Envelope) error {
	out := env
	out.From = env.Sender
	out.TargetID = ""
	_, err := s.gateway.RouteToUser(ctx, env.TargetID, out)
	return err
}

// forceEnd terminates a live call on balance depletion. Both parties get an
// end-call carrying the distinct reason so the caller's UI can redirect to
// the purchase flow.
func (s *CallService) forceEnd(callID domain.CallID) {
	session, ok := s.session(callID)
	if !ok {
		return
	}
	ctx := context.Background()
	end := domain.Envelope{
		Type:   domain.MsgEndCall,
		CallID: callID,
		Reason: domain.EndBalanceDepleted,
	}
	if _, err := s.gateway.RouteToUser(ctx, session.CallerID, end); err != nil {
		log.Error().Err(err).Msg("Forced end to caller failed")
	}
	if _, err := s.gateway.RouteToUser(ctx, session.CalleeID, end); err != nil {
		log.Error().Err(err).Msg("Forced end to callee failed")
	}
	s.settle(ctx, session)
	log.Info().Str("call_id", callID.String()).Msg("Call force-ended: balance depleted")
}

// settle moves a session to Ended and releases everything attached to it.
// Idempotent.
func (s *CallService) settle(ctx context.Context, session *domain.CallSession) {
	s.mu.Lock()
	session.End(s.now())
	if t, ok := s.timers[session.ID]; ok {
		t.Stop()
		delete(s.timers, session.ID)
	}
	delete(s.calls, session.ID)
	s.mu.Unlock()

	s.balance.StopMetering(session.ID)
	if err := s.pending.Clear(ctx, session.CalleeID, session.ID); err != nil {
		log.Error().Err(err).Msg("Pending-call clear failed")
	}
}

// expireRinging drops a call that was never answered. No end-call is sent:
// both clients run their own safety timers.
func (s *CallService) expireRinging(callID domain.CallID) {
	s.mu.Lock()
	session, ok := s.calls[callID]
	ringing := ok && session.State == domain.CallRinging
	s.mu.Unlock()
	if !ringing {
		return
	}
	s.settle(context.Background(), session)
	log.Info().Str("call_id", callID.String()).Msg("Ringing call expired unanswered")
}

// PendingFor serves the REST fallback poll.
func (s *CallService) PendingFor(ctx context.Context, user domain.UserID) (domain.PendingCall, bool, error) {
	return s.pending.Get(ctx, user)
}

func (s *CallService) session(callID domain.CallID) (*domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.calls[callID]
	return session, ok
}

// Stop cancels all ring timers and meters; used on server shutdown.
func (s *CallService) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	calls := make([]domain.CallID, 0, len(s.calls))
	for id := range s.calls {
		calls = append(calls, id)
	}
	s.mu.Unlock()
	for _, id := range calls {
		s.balance.StopMetering(id)
	}
}
