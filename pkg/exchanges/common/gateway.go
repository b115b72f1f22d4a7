package common

import "context"

// Venue abstracts the REST side of a trading venue. Every call is a single
// attempt; retries and rate limiting are applied by the caller.
type Venue interface {
	PlaceOrder(ctx context.Context, p PlaceParams) (OrderAck, error)
	AmendOrder(ctx context.Context, p AmendParams) (OrderAck, error)
	CancelOrder(ctx context.Context, p CancelParams) (OrderAck, error)
	CancelAllOrders(ctx context.Context, category, symbol string) ([]OrderAck, error)
	FindOrder(ctx context.Context, category, symbol, clientOrderID string) (Order, error)
}

// SnapshotSource serves the full account state used for reconciliation.
type SnapshotSource interface {
	GetOpenOrders(ctx context.Context, category, symbol string) ([]Order, error)
	GetPositions(ctx context.Context, category, symbol string) ([]Position, error)
	GetBalance(ctx context.Context, coin string) (Balance, error)
}
