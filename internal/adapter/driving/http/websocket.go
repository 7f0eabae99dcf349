package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the PWA origin before exposing publicly
	CheckOrigin: func(r *http.Request) bool { return true },
}

// readDeadline reaps connections whose client stopped heartbeating. Clients
// ping every 15s, so anything past this is gone.
const readDeadline = 90 * time.Second

// WSClient is one live device connection. Implements ws.Client.
type WSClient struct {
	userID   domain.UserID
	deviceID domain.DeviceID
	role     domain.Role

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *WSClient) UserID() domain.UserID     { return c.userID }
func (c *WSClient) DeviceID() domain.DeviceID { return c.deviceID }
func (c *WSClient) Role() domain.Role         { return c.role }

func (c *WSClient) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the connection and runs its read loop. The very first
// message must be a register announcing userId, role and deviceId; nothing
// is routed to or from the connection before that.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client, err := h.awaitRegister(conn)
	if err != nil {
		log.Warn().Err(err).Msg("Connection dropped before register")
		conn.Close()
		return
	}

	l := log.With().
		Str("user_id", client.userID.String()).
		Str("device_id", client.deviceID.String()).
		Logger()
	l.Info().Msg("Device connected")

	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Device disconnected")
		// Presence only: a dropped transport never ends a call by itself.
		h.Hub.Unregister(client)
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		switch env.Type {
		case domain.MsgPing:
			if err := client.Send(domain.Envelope{Type: domain.MsgPong}); err != nil {
				return
			}
		case domain.MsgPong, domain.MsgRegister:
			// Re-registers on an already-announced connection are harmless.
		default:
			env.Sender = client.userID
			env.DeviceID = client.deviceID
			if err := h.CallService.HandleEnvelope(r.Context(), env); err != nil {
				l.Error().Err(err).Str("type", env.Type).Msg("Failed to handle signal")
			}
		}
	}
}

func (h *Handler) awaitRegister(conn *websocket.Conn) (*WSClient, error) {
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	var env domain.Envelope
	for {
		if err := conn.ReadJSON(&env); err != nil {
			return nil, err
		}
		if env.Type == domain.MsgRegister {
			break
		}
		// Anything before register is unroutable and dropped.
	}

	deviceID := env.DeviceID
	if deviceID == "" {
		deviceID = domain.NewDeviceID()
	}
	role := env.Role
	if role == "" {
		role = domain.RoleClient
	}
	return &WSClient{
		userID:   env.RegisterUserID,
		deviceID: deviceID,
		role:     role,
		conn:     conn,
	}, nil
}
