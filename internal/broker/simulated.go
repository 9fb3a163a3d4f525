package broker

import (
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Simulated is the deterministic backtest broker. Market orders fill at
// the current bar's close adjusted for slippage; limit and stop orders
// rest in the book and are evaluated against each new bar in submission
// order. Partial fills happen only when a participation rate is set;
// otherwise fills are all-or-nothing. A participation-capped order rests
// its remainder and keeps filling at later bar closes until done.
type Simulated struct {
	logger     *logger.Logger
	slippage   SlippageModel
	commission CommissionModel
	account    AccountView

	// participationRate caps a fill at this fraction of bar volume.
	// Zero disables partial fills.
	participationRate float64

	pending []*types.Order
	lastBar map[string]types.MarketData
}

// NewSimulated creates a simulated broker. A nil slippage or commission
// model defaults to no slippage and zero commission.
func NewSimulated(account AccountView, slippage SlippageModel, commission CommissionModel, participationRate float64, l *logger.Logger) *Simulated {
	if slippage == nil {
		slippage = NoSlippage{}
	}

	if commission == nil {
		commission = ZeroCommission{}
	}

	return &Simulated{
		logger:            l,
		slippage:          slippage,
		commission:        commission,
		account:           account,
		participationRate: participationRate,
		lastBar:           make(map[string]types.MarketData),
	}
}

// SubmitOrder implements Broker.
func (b *Simulated) SubmitOrder(order *types.Order) (optional.Option[types.Fill], error) {
	if order.ApprovedQuantity <= 0 {
		order.Status = types.OrderStatusRejected

		return optional.None[types.Fill](), errors.New(errors.ErrCodeInvalidOrder, "order quantity must be positive")
	}

	// No margin model, so short exposure cannot be constrained honestly
	if order.Side == types.SideShort {
		order.Status = types.OrderStatusRejected

		return optional.None[types.Fill](), errors.New(errors.ErrCodeUnsupportedSide, "short selling is not supported")
	}

	switch order.OrderType {
	case types.OrderTypeMarket:
		bar, ok := b.lastBar[order.Symbol]
		if !ok {
			order.Status = types.OrderStatusRejected

			return optional.None[types.Fill](), errors.Newf(errors.ErrCodeOrderFailed, "no market data for %s", order.Symbol)
		}

		fill, err := b.execute(order, bar, bar.Close)
		if err != nil {
			return optional.None[types.Fill](), err
		}

		if !order.IsCompleted() {
			// Participation cap left a remainder; it rests and keeps
			// filling at later bar closes
			b.pending = append(b.pending, order)
		}

		return optional.Some(fill), nil
	case types.OrderTypeLimit, types.OrderTypeStop:
		order.Status = types.OrderStatusPending
		b.pending = append(b.pending, order)

		return optional.None[types.Fill](), nil
	default:
		order.Status = types.OrderStatusRejected

		return optional.None[types.Fill](), errors.Newf(errors.ErrCodeUnsupportedOrderType, "unsupported order type %s", order.OrderType)
	}
}

// execute fills as much of the order's remainder as the bar allows at the
// given reference price, applying slippage and commission, and checking
// cash and position sufficiency.
func (b *Simulated) execute(order *types.Order, bar types.MarketData, refPrice float64) (types.Fill, error) {
	quantity := order.RemainingQuantity()

	partial := false
	if b.participationRate > 0 && bar.Volume > 0 {
		maxQty := b.participationRate * bar.Volume
		if quantity > maxQty {
			quantity = maxQty
			partial = true
		}
	}

	if quantity <= 0 {
		order.Status = types.OrderStatusRejected

		return types.Fill{}, errors.New(errors.ErrCodeInvalidOrder, "nothing left to fill")
	}

	price := b.slippage.Adjust(refPrice, order.Side, quantity, bar.Volume)
	commission := b.commission.Calculate(price * quantity)

	switch order.Side {
	case types.SideBuy, types.SideCover:
		if price*quantity+commission > b.account.Cash() {
			order.Status = types.OrderStatusRejected

			return types.Fill{}, errors.Newf(errors.ErrCodeInsufficientCash, "order %s needs %.2f, cash %.2f", order.OrderID, price*quantity+commission, b.account.Cash())
		}
	case types.SideSell:
		if b.account.PositionQuantity(order.Symbol) < quantity {
			order.Status = types.OrderStatusRejected

			return types.Fill{}, errors.Newf(errors.ErrCodeInsufficientQuantity, "order %s sells %.4f, held %.4f", order.OrderID, quantity, b.account.PositionQuantity(order.Symbol))
		}
	}

	order.FilledQuantity += quantity

	switch {
	case order.RemainingQuantity() <= 0:
		order.Status = types.OrderStatusFilled
	case partial:
		order.Status = types.OrderStatusPartiallyFilled
	}

	fill := types.Fill{
		OrderID:    order.OrderID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Tag:        order.Tag,
		Price:      price,
		Quantity:   quantity,
		Commission: commission,
		Time:       bar.Time,
	}

	b.logger.Debug("order executed",
		zap.String("order_id", order.OrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("price", price),
		zap.Float64("quantity", quantity))

	return fill, nil
}

// MarkBar implements Broker.
func (b *Simulated) MarkBar(bar types.MarketData) ([]types.Fill, []types.RejectionRecord) {
	b.lastBar[bar.Symbol] = bar

	var fills []types.Fill

	var rejections []types.RejectionRecord

	remaining := b.pending[:0]

	for _, order := range b.pending {
		if order.Symbol != bar.Symbol {
			remaining = append(remaining, order)

			continue
		}

		crossed, refPrice := crossing(order, bar)
		if !crossed {
			remaining = append(remaining, order)

			continue
		}

		fill, err := b.execute(order, bar, refPrice)
		if err != nil {
			rejections = append(rejections, types.RejectionRecord{
				Time:    bar.Time,
				Symbol:  order.Symbol,
				OrderID: order.OrderID,
				Stage:   types.RejectionStageBroker,
				Tag:     order.Tag,
				Reason:  types.Reason{Reason: rejectionReason(err), Message: err.Error()},
			})

			continue
		}

		fills = append(fills, fill)

		if !order.IsCompleted() {
			remaining = append(remaining, order)
		}
	}

	b.pending = remaining

	return fills, rejections
}

// crossing reports whether the bar's range reaches the order's price and
// returns the reference fill price: limits fill at the more favorable of
// the limit price and the bar open, stops fill at the stop price, and a
// resting market remainder fills at the bar close.
func crossing(order *types.Order, bar types.MarketData) (bool, float64) {
	switch order.OrderType {
	case types.OrderTypeMarket:
		return true, bar.Close
	case types.OrderTypeLimit:
		limit := order.LimitPrice

		switch order.Side {
		case types.SideBuy, types.SideCover:
			if bar.Low <= limit {
				return true, min(limit, bar.Open)
			}
		case types.SideSell:
			if bar.High >= limit {
				return true, max(limit, bar.Open)
			}
		}
	case types.OrderTypeStop:
		stop := order.StopPrice

		switch order.Side {
		case types.SideBuy, types.SideCover:
			if bar.High >= stop {
				return true, stop
			}
		case types.SideSell:
			if bar.Low <= stop {
				return true, stop
			}
		}
	}

	return false, 0
}

func rejectionReason(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeInsufficientCash:
		return types.ReasonInsufficientCash
	case errors.ErrCodeInsufficientQuantity:
		return types.ReasonInsufficientQty
	default:
		return types.ReasonInvalidQuantity
	}
}

// CancelOrder implements Broker.
func (b *Simulated) CancelOrder(orderID string) error {
	for i, order := range b.pending {
		if order.OrderID == orderID {
			order.Status = types.OrderStatusCancelled
			b.pending = append(b.pending[:i], b.pending[i+1:]...)

			return nil
		}
	}

	return errors.Newf(errors.ErrCodeOrderNotFound, "no resting order with id %s", orderID)
}

// CancelAll implements Broker.
func (b *Simulated) CancelAll() {
	for _, order := range b.pending {
		order.Status = types.OrderStatusCancelled
	}

	b.pending = nil
}

// OpenOrders implements Broker.
func (b *Simulated) OpenOrders() []types.Order {
	orders := make([]types.Order, 0, len(b.pending))
	for _, order := range b.pending {
		orders = append(orders, *order)
	}

	return orders
}
