package ws

import "github.com/piatok/piatok/internal/core/domain"

type Client interface {
	UserID() domain.UserID
	DeviceID() domain.DeviceID
	Role() domain.Role
	Send(env domain.Envelope) error
	Close() error
}
