package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Allowance is the gate's verdict on whether a call may be placed.
type Allowance struct {
	Allowed          bool
	MinutesRemaining int
}

// BalanceService is the Balance Gate: consulted before a Friday call may
// ring, and metering the caller's token pool while the call is live.
type BalanceService struct {
	store    port.BalanceStore
	gateway  port.RealTimeGateway
	interval time.Duration

	mu     sync.Mutex
	meters map[domain.CallID]context.CancelFunc
}

func NewBalanceService(store port.BalanceStore, gateway port.RealTimeGateway) *BalanceService {
	return &BalanceService{
		store:    store,
		gateway:  gateway,
		interval: time.Minute,
		meters:   make(map[domain.CallID]context.CancelFunc),
	}
}

// CheckAllowance decides whether caller may place a call in the given mode.
// General-mode calls are always allowed; Friday mode requires tokens.
func (s *BalanceService) CheckAllowance(ctx context.Context, caller domain.UserID, mode domain.Mode) (Allowance, error) {
	if mode != domain.ModeFriday {
		return Allowance{Allowed: true}, nil
	}
	minutes, err := s.store.Minutes(ctx, caller)
	if err != nil {
		return Allowance{}, err
	}
	return Allowance{Allowed: minutes > 0, MinutesRemaining: minutes}, nil
}

// Minutes reads the caller's Friday balance.
func (s *BalanceService) Minutes(ctx context.Context, user domain.UserID) (int, error) {
	return s.store.Minutes(ctx, user)
}

// Credit grants Friday tokens and pushes the fresh balance to the user's
// live devices.
func (s *BalanceService) Credit(ctx context.Context, user domain.UserID, minutes int) (int, error) {
	remaining, err := s.store.Credit(ctx, user, minutes)
	if err != nil {
		return 0, err
	}
	s.pushBalance(ctx, user, remaining)
	return remaining, nil
}

// StartMetering debits one token per started minute of call time and pushes
// balance updates to the caller. When the pool hits zero it calls onDepleted
// exactly once and stops. No-op for non-Friday calls.
func (s *BalanceService) StartMetering(callID domain.CallID, caller domain.UserID, mode domain.Mode, onDepleted func()) {
	if mode != domain.ModeFriday {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, running := s.meters[callID]; running {
		s.mu.Unlock()
		cancel()
		return
	}
	s.meters[callID] = cancel
	s.mu.Unlock()

	go s.meter(ctx, callID, caller, onDepleted)
}

// StopMetering cancels the meter for callID. Idempotent.
func (s *BalanceService) StopMetering(callID domain.CallID) {
	s.mu.Lock()
	cancel, ok := s.meters[callID]
	if ok {
		delete(s.meters, callID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *BalanceService) meter(ctx context.Context, callID domain.CallID, caller domain.UserID, onDepleted func()) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The first minute is charged up front: the gate already verified at
	// least one token exists when the call was allowed to ring.
	if depleted := s.debitOnce(ctx, callID, caller); depleted {
		s.StopMetering(callID)
		onDepleted()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depleted := s.debitOnce(ctx, callID, caller); depleted {
				s.StopMetering(callID)
				onDepleted()
				return
			}
		}
	}
}

// debitOnce charges one minute. Reports true when the pool could not cover
// it, which terminates the call; a paid-for minute always plays out in full.
func (s *BalanceService) debitOnce(ctx context.Context, callID domain.CallID, caller domain.UserID) bool {
	remaining, err := s.store.Debit(ctx, caller, domain.MinutesPerToken)
	if errors.Is(err, port.ErrInsufficientFunds) {
		return true
	}
	if err != nil {
		// Store hiccup: keep the call alive, retry next tick.
		log.Error().Err(err).Str("call_id", callID.String()).Msg("Balance debit failed")
		return false
	}
	s.pushBalance(ctx, caller, remaining)
	return false
}

func (s *BalanceService) pushBalance(ctx context.Context, user domain.UserID, remaining int) {
	minutes := remaining
	if _, err := s.gateway.RouteToUser(ctx, user, domain.Envelope{
		Type:             domain.MsgBalanceUpdate,
		MinutesRemaining: &minutes,
	}); err != nil {
		log.Error().Err(err).Str("user_id", user.String()).Msg("Balance push failed")
	}
}

// meterInterval overrides the tick for tests.
func (s *BalanceService) meterInterval(d time.Duration) { s.interval = d }
