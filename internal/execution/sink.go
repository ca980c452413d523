// Package execution wires signals emitted by the decision engine (4.G) to a
// live order sink and tracks the resulting order/fill lifecycle.
package execution

import "context"

// OrderRequest is the outbound market-order request named in 4.G's external
// interfaces: createMarketOrder({tokenId, side, amount, orderType}).
type OrderRequest struct {
	TokenID   string
	Side      string // "BUY"
	Amount    float64
	OrderType string // "FOK"
}

// OrderResult is the sink's synchronous response to a submitted order.
type OrderResult struct {
	Success bool
	OrderID string
}

// Sink is the outbound order-submission boundary a live (non-dry-run) engine
// submits market orders through.
type Sink interface {
	CreateMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
