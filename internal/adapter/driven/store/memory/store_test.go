package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/port"
)

func testStore(ttl time.Duration) (*Store, *time.Time) {
	s := NewStore(ttl)
	now := time.Date(2026, 9, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func pending(callID domain.CallID, at time.Time) domain.PendingCall {
	return domain.PendingCall{
		CallID:     callID,
		CallerID:   "client-1",
		CallerName: "Client One",
		CreatedAt:  at,
	}
}

func TestPendingCallRoundTrip(t *testing.T) {
	s, now := testStore(2 * time.Minute)
	ctx := context.Background()
	callID := domain.NewCallID()

	require.NoError(t, s.Put(ctx, "admin-1", pending(callID, *now)))

	got, ok, err := s.Get(ctx, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, callID, got.CallID)
	assert.Equal(t, domain.UserID("client-1"), got.CallerID)

	_, ok, err = s.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingCallExpiresAfterTTL(t *testing.T) {
	s, now := testStore(2 * time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "admin-1", pending(domain.NewCallID(), *now)))

	*now = now.Add(2*time.Minute + time.Second)
	_, ok, err := s.Get(ctx, "admin-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearOnlyRemovesMatchingCall(t *testing.T) {
	s, now := testStore(2 * time.Minute)
	ctx := context.Background()
	first := domain.NewCallID()
	second := domain.NewCallID()

	require.NoError(t, s.Put(ctx, "admin-1", pending(first, *now)))
	require.NoError(t, s.Put(ctx, "admin-1", pending(second, *now)))

	// A late cleanup from the superseded call leaves the new record alone.
	require.NoError(t, s.Clear(ctx, "admin-1", first))
	got, ok, err := s.Get(ctx, "admin-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got.CallID)

	require.NoError(t, s.Clear(ctx, "admin-1", second))
	_, ok, err = s.Get(ctx, "admin-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalanceDebitAndCredit(t *testing.T) {
	s, _ := testStore(time.Minute)
	ctx := context.Background()

	minutes, err := s.Minutes(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, minutes)

	remaining, err := s.Credit(ctx, "client-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	remaining, err = s.Debit(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, err = s.Debit(ctx, "client-1", 2)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	_, err = s.Debit(ctx, "client-1", 1)
	assert.ErrorIs(t, err, port.ErrInsufficientFunds)

	minutes, err = s.Minutes(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, minutes)
}
