package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piatok/piatok/internal/adapter/driven/gateway/ws"
	"github.com/piatok/piatok/internal/adapter/driven/push"
	"github.com/piatok/piatok/internal/adapter/driven/store/memory"
	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/service"
)

type fixture struct {
	handler *Handler
	store   *memory.Store
	hub     *ws.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore(2 * time.Minute)
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	balance := service.NewBalanceService(store, hub)
	calls := service.NewCallService(hub, store, balance, push.NoopNotifier{})
	t.Cleanup(calls.Stop)

	return &fixture{
		handler: NewHandler(calls, balance, hub),
		store:   store,
		hub:     hub,
	}
}

func TestGetPendingCall(t *testing.T) {
	f := newFixture(t)
	router := f.handler.NewRouter()
	callID := domain.NewCallID()
	require.NoError(t, f.store.Put(context.Background(), "admin-1", domain.PendingCall{
		CallID:     callID,
		CallerID:   "client-1",
		CallerName: "Client One",
		CreatedAt:  time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/calls/pending", nil)
	req.Header.Set("X-User-ID", "admin-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Pending *domain.PendingCall `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Pending)
	assert.Equal(t, callID, resp.Pending.CallID)
	assert.Equal(t, "Client One", resp.Pending.CallerName)
}

func TestGetPendingCallEmpty(t *testing.T) {
	f := newFixture(t)
	router := f.handler.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/calls/pending", nil)
	req.Header.Set("X-User-ID", "admin-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":null}`, rec.Body.String())
}

func TestGetPendingCallRequiresUser(t *testing.T) {
	f := newFixture(t)
	router := f.handler.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/calls/pending", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFridayBalanceCreditAndRead(t *testing.T) {
	f := newFixture(t)
	router := f.handler.NewRouter()

	body := bytes.NewBufferString(`{"minutes": 5}`)
	req := httptest.NewRequest(http.MethodPost, "/friday/balance/client-1/credit", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalMinutes":5}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/friday/balance/client-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalMinutes":5}`, rec.Body.String())
}

func TestCreditRejectsNonPositiveMinutes(t *testing.T) {
	f := newFixture(t)
	router := f.handler.NewRouter()

	for _, body := range []string{`{"minutes": 0}`, `{"minutes": -3}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/friday/balance/client-1/credit", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func webrtcOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func dialWS(t *testing.T, server *httptest.Server, userID domain.UserID, role domain.Role, deviceID domain.DeviceID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(domain.Envelope{
		Type:           domain.MsgRegister,
		RegisterUserID: userID,
		Role:           role,
		DeviceID:       deviceID,
	}))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketRingsCallee(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.handler.NewRouter())
	t.Cleanup(server.Close)

	// Tokens up front so the flow works on Fridays too.
	_, err := f.store.Credit(context.Background(), "client-1", 5)
	require.NoError(t, err)

	caller := dialWS(t, server, "client-1", domain.RoleClient, "dev-caller")
	callee := dialWS(t, server, "admin-1", domain.RoleAdmin, "dev-callee")
	require.Eventually(t, func() bool {
		return f.hub.Online("client-1") == 1 && f.hub.Online("admin-1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	callID := domain.NewCallID()
	require.NoError(t, caller.WriteJSON(domain.Envelope{
		Type:       domain.MsgCallRequest,
		TargetID:   "admin-1",
		CallID:     callID,
		CallerName: "Client One",
	}))

	ring := readEnvelope(t, callee)
	assert.Equal(t, domain.MsgIncomingCall, ring.Type)
	assert.Equal(t, callID, ring.CallID)
	assert.Equal(t, domain.UserID("client-1"), ring.CallerID)
	assert.Equal(t, "Client One", ring.CallerName)

	// The fallback record is written even though live delivery worked.
	record, ok, err := f.store.Get(context.Background(), "admin-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, callID, record.CallID)
}

func TestWebSocketAnswersPing(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.handler.NewRouter())
	t.Cleanup(server.Close)

	conn := dialWS(t, server, "client-1", domain.RoleClient, "dev-1")
	require.NoError(t, conn.WriteJSON(domain.Envelope{Type: domain.MsgPing}))

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.MsgPong, env.Type)
}

func TestWebSocketRelayStampsSender(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.handler.NewRouter())
	t.Cleanup(server.Close)

	caller := dialWS(t, server, "client-1", domain.RoleClient, "dev-caller")
	callee := dialWS(t, server, "admin-1", domain.RoleAdmin, "dev-callee")
	require.Eventually(t, func() bool {
		return f.hub.Online("client-1") == 1 && f.hub.Online("admin-1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	callID := domain.NewCallID()
	offer := webrtcOffer()
	require.NoError(t, caller.WriteJSON(domain.Envelope{
		Type:     domain.MsgOffer,
		TargetID: "admin-1",
		CallID:   callID,
		Offer:    &offer,
	}))

	env := readEnvelope(t, callee)
	assert.Equal(t, domain.MsgOffer, env.Type)
	assert.Equal(t, callID, env.CallID)
	assert.Equal(t, domain.UserID("client-1"), env.From)
	assert.Empty(t, env.TargetID)
	require.NotNil(t, env.Offer)
}
