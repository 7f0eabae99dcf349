package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piatok/piatok/internal/core/domain"
)

func TestCheckAllowanceGeneralModeAlwaysAllowed(t *testing.T) {
	store := newFakeBalanceStore()
	svc := NewBalanceService(store, &fakeGateway{})

	allowance, err := svc.CheckAllowance(context.Background(), "client-1", domain.ModeGeneral)
	require.NoError(t, err)
	assert.True(t, allowance.Allowed)
}

func TestCheckAllowanceFridayRequiresTokens(t *testing.T) {
	store := newFakeBalanceStore()
	svc := NewBalanceService(store, &fakeGateway{})

	allowance, err := svc.CheckAllowance(context.Background(), "client-1", domain.ModeFriday)
	require.NoError(t, err)
	assert.False(t, allowance.Allowed)

	_, err = store.Credit(context.Background(), "client-1", 3)
	require.NoError(t, err)

	allowance, err = svc.CheckAllowance(context.Background(), "client-1", domain.ModeFriday)
	require.NoError(t, err)
	assert.True(t, allowance.Allowed)
	assert.Equal(t, 3, allowance.MinutesRemaining)
}

func TestCreditPushesFreshBalance(t *testing.T) {
	store := newFakeBalanceStore()
	gateway := &fakeGateway{}
	svc := NewBalanceService(store, gateway)

	remaining, err := svc.Credit(context.Background(), "client-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	updates := gateway.fanoutByType(domain.MsgBalanceUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, domain.UserID("client-1"), updates[0].user)
	require.NotNil(t, updates[0].env.MinutesRemaining)
	assert.Equal(t, 5, *updates[0].env.MinutesRemaining)
}

func TestMeteringDrainsPoolThenDepletes(t *testing.T) {
	store := newFakeBalanceStore()
	gateway := &fakeGateway{}
	svc := NewBalanceService(store, gateway)
	svc.meterInterval(10 * time.Millisecond)
	_, err := store.Credit(context.Background(), "client-1", 3)
	require.NoError(t, err)

	var depleted atomic.Int32
	callID := domain.NewCallID()
	svc.StartMetering(callID, "client-1", domain.ModeFriday, func() {
		depleted.Add(1)
	})

	require.Eventually(t, func() bool {
		return depleted.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, store.balance("client-1"))
	// Every successful debit pushed the new balance: 2, 1, 0.
	assert.Len(t, gateway.fanoutByType(domain.MsgBalanceUpdate), 3)

	// The failed debit already stopped the meter; no second depletion.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), depleted.Load())
}

func TestMeteringNoopForGeneralMode(t *testing.T) {
	store := newFakeBalanceStore()
	svc := NewBalanceService(store, &fakeGateway{})
	svc.meterInterval(5 * time.Millisecond)
	_, err := store.Credit(context.Background(), "client-1", 2)
	require.NoError(t, err)

	var depleted atomic.Int32
	svc.StartMetering(domain.NewCallID(), "client-1", domain.ModeGeneral, func() {
		depleted.Add(1)
	})

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, store.balance("client-1"))
	assert.Zero(t, depleted.Load())
}

func TestStopMeteringHaltsDebits(t *testing.T) {
	store := newFakeBalanceStore()
	svc := NewBalanceService(store, &fakeGateway{})
	svc.meterInterval(10 * time.Millisecond)
	_, err := store.Credit(context.Background(), "client-1", 100)
	require.NoError(t, err)

	callID := domain.NewCallID()
	svc.StartMetering(callID, "client-1", domain.ModeFriday, func() {
		t.Error("meter depleted a funded pool")
	})

	require.Eventually(t, func() bool {
		return store.balance("client-1") < 100
	}, time.Second, 2*time.Millisecond)
	svc.StopMetering(callID)

	// Let any in-flight tick land before sampling.
	time.Sleep(30 * time.Millisecond)
	settled := store.balance("client-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, store.balance("client-1"))
}

func TestStartMeteringDuplicateIsIgnored(t *testing.T) {
	store := newFakeBalanceStore()
	svc := NewBalanceService(store, &fakeGateway{})
	svc.meterInterval(time.Hour)
	_, err := store.Credit(context.Background(), "client-1", 5)
	require.NoError(t, err)

	callID := domain.NewCallID()
	svc.StartMetering(callID, "client-1", domain.ModeFriday, func() {})
	svc.StartMetering(callID, "client-1", domain.ModeFriday, func() {})
	t.Cleanup(func() { svc.StopMetering(callID) })

	// Only one meter runs, so only one upfront minute is charged.
	require.Eventually(t, func() bool {
		return store.balance("client-1") == 4
	}, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, store.balance("client-1"))
}
