package ws

import (
	"context"
	"sync"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Hub is the presence registry: it maps each logical user to the set of
// live device connections and fans envelopes out across them.
// Implements port.RealTimeGateway.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.UserID]map[domain.DeviceID]Client

	register   chan Client
	unregister chan Client
	quit       chan struct{}
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.UserID]map[domain.DeviceID]Client),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) RouteToUser(ctx context.Context, userID domain.UserID, env domain.Envelope) (int, error) {
	h.mu.RLock()
	devices := make([]Client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		devices = append(devices, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range devices {
		if err := client.Send(env); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Str("device_id", client.DeviceID().String()).Msg("Send failed, dropping connection")
			h.drop(client)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (h *Hub) RouteToOtherDevices(ctx context.Context, userID domain.UserID, except domain.DeviceID, env domain.Envelope) (int, error) {
	h.mu.RLock()
	devices := make([]Client, 0, len(h.clients[userID]))
	for id, c := range h.clients[userID] {
		if id == except {
			continue
		}
		devices = append(devices, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range devices {
		if err := client.Send(env); err != nil {
			h.drop(client)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (h *Hub) SendToDevice(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID, env domain.Envelope) error {
	h.mu.RLock()
	client, ok := h.clients[userID][deviceID]
	h.mu.RUnlock()
	if !ok {
		// Connection raced away; nothing to deliver to.
		return nil
	}
	if err := client.Send(env); err != nil {
		h.drop(client)
		return err
	}
	return nil
}

// Online reports how many devices of the user are connected.
func (h *Hub) Online(userID domain.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for _, devices := range h.clients {
				for _, client := range devices {
					client.Close()
				}
			}
			h.clients = make(map[domain.UserID]map[domain.DeviceID]Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.add(client)
			log.Info().Str("user_id", client.UserID().String()).Str("device_id", client.DeviceID().String()).Str("role", string(client.Role())).Msg("Device registered")

		case client := <-h.unregister:
			h.drop(client)
			log.Info().Str("user_id", client.UserID().String()).Str("device_id", client.DeviceID().String()).Msg("Device unregistered")
		}
	}
}

func (h *Hub) add(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices, ok := h.clients[client.UserID()]
	if !ok {
		devices = make(map[domain.DeviceID]Client)
		h.clients[client.UserID()] = devices
	}
	// A reconnect reuses the device id; the stale connection gives way.
	if old, ok := devices[client.DeviceID()]; ok && old != client {
		old.Close()
	}
	devices[client.DeviceID()] = client
}

func (h *Hub) drop(client Client) {
	h.mu.Lock()
	devices, ok := h.clients[client.UserID()]
	if ok && devices[client.DeviceID()] == client {
		delete(devices, client.DeviceID())
		if len(devices) == 0 {
			delete(h.clients, client.UserID())
		}
	}
	h.mu.Unlock()
	client.Close()
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}
