package memory

import (
	"context"
	"sync"
	"time"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/port"
)

// Store keeps pending-call records and Friday balances in process memory.
// Good for tests and single-node dev; production uses the redis adapter.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	pending  map[domain.UserID]domain.PendingCall
	balances map[domain.UserID]int
}

func NewStore(pendingTTL time.Duration) *Store {
	return &Store{
		ttl:      pendingTTL,
		now:      time.Now,
		pending:  make(map[domain.UserID]domain.PendingCall),
		balances: make(map[domain.UserID]int),
	}
}

func (s *Store) Put(ctx context.Context, callee domain.UserID, call domain.PendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[callee] = call
	return nil
}

func (s *Store) Get(ctx context.Context, callee domain.UserID) (domain.PendingCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.pending[callee]
	if !ok {
		return domain.PendingCall{}, false, nil
	}
	if s.now().Sub(call.CreatedAt) > s.ttl {
		delete(s.pending, callee)
		return domain.PendingCall{}, false, nil
	}
	return call, true, nil
}

func (s *Store) Clear(ctx context.Context, callee domain.UserID, callID domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call, ok := s.pending[callee]; ok && call.CallID == callID {
		delete(s.pending, callee)
	}
	return nil
}

func (s *Store) Minutes(ctx context.Context, user domain.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[user], nil
}

func (s *Store) Debit(ctx context.Context, user domain.UserID, minutes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[user]
	if balance < minutes {
		return balance, port.ErrInsufficientFunds
	}
	s.balances[user] = balance - minutes
	return balance - minutes, nil
}

func (s *Store) Credit(ctx context.Context, user domain.UserID, minutes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[user] += minutes
	return s.balances[user], nil
}
