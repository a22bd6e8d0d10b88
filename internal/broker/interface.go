// Package broker defines the adapter contract used to connect to a
// brokerage, and the two concrete adapters that implement it.
package broker

import (
	"context"

	"github.com/riverbend/signalbot/internal/models"
)

// Broker is the capability set every adapter must implement. All
// operations may suspend on network I/O; none of them throw across this
// boundary except for unrecoverable programmer errors.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	AccountInfo(ctx context.Context) (models.AccountState, error)
	ListSymbols(ctx context.Context) ([]string, error)

	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error)

	PendingOrders(ctx context.Context) ([]models.PendingOrder, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)
}
