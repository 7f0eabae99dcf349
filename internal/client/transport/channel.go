package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/core/domain"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
	backoffJitter  = 300 * time.Millisecond

	// Outbound messages attempted while disconnected are queued up to this
	// bound; the oldest is dropped on overflow.
	queueLimit = 200

	pingInterval = 15 * time.Second
	// No pong within this window forces the connection closed, which feeds
	// the reconnect loop.
	pongDeadline = 40 * time.Second
)

// Handler receives every inbound envelope except the heartbeat pair, which
// the channel consumes itself.
type Handler func(domain.Envelope)

type Options struct {
	URL      string
	UserID   domain.UserID
	Role     domain.Role
	DeviceID domain.DeviceID
	Handler  Handler
}

// Channel is the process's signaling connection: one logical connection
// attempt in flight at a time, exponential backoff with jitter on failure,
// re-registration of identity on every (re)connect, and a bounded send
// queue flushed in order once the connection is open again.
//
// Each Channel value is fully isolated; tests run several side by side.
type Channel struct {
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn
	open     bool
	queue    []domain.Envelope
	lastPong time.Time

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.DeviceID == "" {
		opts.DeviceID = domain.NewDeviceID()
	}
	return &Channel{
		opts:   opts,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Channel) DeviceID() domain.DeviceID { return c.opts.DeviceID }

// SetHandler installs the inbound message handler. Must be called before
// Start when the handler itself needs a reference to the channel.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.opts.Handler = h
	c.mu.Unlock()
}

func (c *Channel) handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Handler
}

// Start launches the manage loop. The channel keeps reconnecting until
// Close is called or ctx is cancelled; transport faults are absorbed here
// and never surfaced to callers.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Send stamps the envelope with this device's id and either writes it or
// queues it for the next successful (re)connect.
func (c *Channel) Send(env domain.Envelope) error {
	env.DeviceID = c.opts.DeviceID

	c.mu.Lock()
	if !c.open {
		if len(c.queue) >= queueLimit {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		log.Debug().Str("type", env.Type).Msg("Channel not open, queued")
		return nil
	}
	conn := c.conn
	err := conn.WriteJSON(env)
	c.mu.Unlock()
	if err != nil {
		// The read loop will notice the broken connection and reconnect.
		log.Warn().Err(err).Str("type", env.Type).Msg("Send failed")
	}
	return err
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	<-c.done
}

// QueuedMessages reports the current backlog size.
func (c *Channel) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			delay := backoff + time.Duration(rand.Int63n(int64(backoffJitter)))
			if delay > maxBackoff {
				delay = maxBackoff
			}
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Signaling dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-time.After(delay):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = initialBackoff
		c.session(ctx, conn)
	}
}

// session owns one live connection: registers, flushes the queue, runs the
// heartbeat, and reads until the connection dies.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.mu.Unlock()

	// Identity must be re-announced before anything else is routable.
	register := domain.Envelope{
		Type:           domain.MsgRegister,
		RegisterUserID: c.opts.UserID,
		Role:           c.opts.Role,
		DeviceID:       c.opts.DeviceID,
	}
	c.mu.Lock()
	err := conn.WriteJSON(register)
	if err == nil {
		c.open = true
		backlog := c.queue
		c.queue = nil
		for _, env := range backlog {
			if err = conn.WriteJSON(env); err != nil {
				break
			}
		}
	}
	c.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("Register/flush failed")
		c.markClosed(conn)
		return
	}
	log.Info().Str("device_id", c.opts.DeviceID.String()).Msg("Signaling channel open")

	heartbeatDone := make(chan struct{})
	go c.heartbeat(conn, heartbeatDone)
	defer close(heartbeatDone)

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Warn().Err(err).Msg("Signaling channel lost")
			c.markClosed(conn)
			return
		}

		switch env.Type {
		case domain.MsgPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case domain.MsgPing:
			c.Send(domain.Envelope{Type: domain.MsgPong})
		default:
			if h := c.handler(); h != nil {
				h(env)
			}
		}
	}
}

func (c *Channel) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Send(domain.Envelope{Type: domain.MsgPing})
			c.mu.Lock()
			silent := time.Since(c.lastPong)
			c.mu.Unlock()
			if silent > pongDeadline {
				log.Warn().Dur("silent_for", silent).Msg("Heartbeat timeout, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) markClosed(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.open = false
		c.conn = nil
	}
	c.mu.Unlock()
}
