package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSessionLifecycle(t *testing.T) {
	start := time.Date(2026, 9, 4, 10, 0, 0, 0, time.UTC)
	s := NewCallSession("call-1", "client-1", "admin-1", ModeFriday, start)
	assert.Equal(t, CallRinging, s.State)
	assert.Equal(t, start, s.StartedAt)

	require.NoError(t, s.Accept(start.Add(5*time.Second)))
	assert.Equal(t, CallAccepted, s.State)

	connected := start.Add(8 * time.Second)
	require.NoError(t, s.Connect(connected))
	assert.Equal(t, CallConnected, s.State)
	require.NotNil(t, s.ConnectedAt)
	assert.Equal(t, connected, *s.ConnectedAt)

	ended := start.Add(time.Minute)
	s.End(ended)
	assert.Equal(t, CallEnded, s.State)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, ended, *s.EndedAt)
}

func TestCallSessionEndIsIdempotent(t *testing.T) {
	start := time.Now()
	s := NewCallSession("call-1", "client-1", "admin-1", ModeGeneral, start)

	first := start.Add(time.Minute)
	s.End(first)
	s.End(start.Add(2 * time.Minute))
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, first, *s.EndedAt)

	assert.ErrorIs(t, s.Accept(start), ErrCallEnded)
	assert.ErrorIs(t, s.Connect(start), ErrCallEnded)
}

func TestCallSessionOther(t *testing.T) {
	s := NewCallSession("call-1", "client-1", "admin-1", ModeGeneral, time.Now())
	assert.Equal(t, UserID("admin-1"), s.Other("client-1"))
	assert.Equal(t, UserID("client-1"), s.Other("admin-1"))
}
