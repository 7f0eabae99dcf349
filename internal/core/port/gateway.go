package port

import (
	"context"

	"github.com/piatok/piatok/internal/core/domain"
)

// RealTimeGateway delivers signaling envelopes to live connections. A user
// may have zero, one, or many devices connected at once.
type RealTimeGateway interface {
	// RouteToUser fans the envelope out to every live device of the user
	// and reports how many connections it was delivered to.
	RouteToUser(ctx context.Context, userID domain.UserID, env domain.Envelope) (int, error)

	// RouteToOtherDevices delivers to every device of the user except the
	// named one. Used to retract ringing UI once one device answers.
	RouteToOtherDevices(ctx context.Context, userID domain.UserID, except domain.DeviceID, env domain.Envelope) (int, error)

	// SendToDevice addresses exactly one connection, for replies that must
	// not reach the user's other devices.
	SendToDevice(ctx context.Context, userID domain.UserID, deviceID domain.DeviceID, env domain.Envelope) error
}
