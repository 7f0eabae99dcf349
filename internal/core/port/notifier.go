package port

import (
	"context"

	"github.com/piatok/piatok/internal/core/domain"
)

// OfflineNotifier triggers the external push mechanism when a callee has no
// live connection at ring time.
type OfflineNotifier interface {
	NotifyIncomingCall(ctx context.Context, callee domain.UserID, call domain.PendingCall) error
}
