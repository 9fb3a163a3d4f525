// Package broker turns accepted orders into fills using a deterministic
// matching and slippage model. New broker variants (e.g. a live venue)
// implement the Broker interface without touching the engine loop.
package broker

import (
	"github.com/moznion/go-optional"

	"github.com/lx-quant/pyramid-trading/internal/types"
)

// AccountView is the read-only account surface the broker checks before
// filling: cash for buys, held quantity for sells.
type AccountView interface {
	Cash() float64
	PositionQuantity(symbol string) float64
}

// Broker executes orders against market data. Market orders may fill on
// submission; limit and stop orders rest in the book until a bar crosses
// their price.
type Broker interface {
	// SubmitOrder accepts an order. Market orders return a fill
	// immediately when the current bar allows it; resting orders return
	// None and fill later through MarkBar.
	SubmitOrder(order *types.Order) (optional.Option[types.Fill], error)
	// MarkBar advances the broker to a new bar, evaluating the resting
	// order book. It returns the fills produced by the bar and any
	// rejections of resting orders (e.g. cash ran out before the fill).
	MarkBar(bar types.MarketData) ([]types.Fill, []types.RejectionRecord)
	// CancelOrder cancels a resting order by id.
	CancelOrder(orderID string) error
	// CancelAll cancels every resting order.
	CancelAll()
	// OpenOrders returns the resting orders in submission order.
	OpenOrders() []types.Order
}
