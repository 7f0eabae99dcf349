package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFridayBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/friday/balance/client-1", r.URL.Path)
		assert.Equal(t, "client-1", r.Header.Get("X-User-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"totalMinutes": 7}`))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, "client-1")
	minutes, err := c.FridayBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, minutes)
}

func TestPendingCall(t *testing.T) {
	createdAt := time.Date(2026, 9, 4, 10, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls/pending", r.URL.Path)
		assert.Equal(t, "admin-1", r.Header.Get("X-User-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pending":{"callId":"call-1","callerId":"client-1","callerName":"Client One","createdAt":"2026-09-04T10:00:00Z"}}`))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, "admin-1")
	pending, err := c.PendingCall(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "call-1", pending.CallID.String())
	assert.Equal(t, "client-1", pending.CallerID.String())
	assert.Equal(t, "Client One", pending.CallerName)
	assert.True(t, pending.CreatedAt.Equal(createdAt))
}

func TestPendingCallEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pending":null}`))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, "admin-1")
	pending, err := c.PendingCall(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestNon2xxIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, "client-1")
	_, err := c.FridayBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestBaseURLNormalization(t *testing.T) {
	c := NewClient("  http://example.test/  ", "client-1")
	assert.Equal(t, "http://example.test", c.BaseURL)
}
