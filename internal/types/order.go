package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"

	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

type Side string

type OrderType string

type OrderStatus string

type IntentTag string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideShort Side = "SHORT"
	SideCover Side = "COVER"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

const (
	TagEnter  IntentTag = "enter"
	TagAdd    IntentTag = "add"
	TagReduce IntentTag = "reduce"
	TagExit   IntentTag = "exit"
)

const (
	ReasonStopLoss         string = "stop_loss"
	ReasonTakeProfit       string = "take_profit"
	ReasonOracleAdvice     string = "oracle_advice"
	ReasonTrendReversal    string = "trend_reversal"
	ReasonRiskRejected     string = "risk_rejected"
	ReasonInsufficientCash string = "insufficient_cash"
	ReasonInsufficientQty  string = "insufficient_quantity"
	ReasonInvalidQuantity  string = "invalid_quantity"
	ReasonInvalidPrice     string = "invalid_price"
)

// Reason records why an order was created or rejected.
type Reason struct {
	Reason  string `yaml:"reason" json:"reason" csv:"reason" validate:"required"`
	Message string `yaml:"message" json:"message" csv:"message"`
}

// OrderIntent is a strategy's proposal for one instrument. It is ephemeral:
// produced and consumed within a single time step. Exactly one of Quantity
// or SizingRatio must be set; the order handler resolves a ratio against
// current equity before submission.
type OrderIntent struct {
	Symbol    string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side      Side      `yaml:"side" json:"side" validate:"required,oneof=BUY SELL SHORT COVER"`
	OrderType OrderType `yaml:"order_type" json:"order_type" validate:"required,oneof=MARKET LIMIT STOP"`
	Tag       IntentTag `yaml:"tag" json:"tag" validate:"required,oneof=enter add reduce exit"`
	// Quantity is the requested quantity in units. Can be None when SizingRatio is set.
	Quantity optional.Option[float64] `yaml:"quantity" json:"quantity"`
	// SizingRatio is the requested size as a fraction of current equity. Can be None when Quantity is set.
	SizingRatio optional.Option[float64] `yaml:"sizing_ratio" json:"sizing_ratio"`
	// LimitPrice is required for LIMIT orders.
	LimitPrice optional.Option[float64] `yaml:"limit_price" json:"limit_price"`
	// StopPrice is required for STOP orders.
	StopPrice optional.Option[float64] `yaml:"stop_price" json:"stop_price"`
	// StopLossDistance is the distance to the protective stop, used by the
	// per-trade risk check to bound implied loss.
	StopLossDistance optional.Option[float64] `yaml:"stop_loss_distance" json:"stop_loss_distance"`
	Reason           Reason                   `yaml:"reason" json:"reason" validate:"required"`
	// SignalID links the intent back to the advice or rule that produced it.
	SignalID string `yaml:"signal_id" json:"signal_id"`
}

// Validate validates the OrderIntent struct.
func (oi *OrderIntent) Validate() error {
	validate := validator.New()

	if err := validate.Struct(oi); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderIntent, "invalid order intent", err)
	}

	if oi.Quantity.IsNone() && oi.SizingRatio.IsNone() {
		return errors.New(errors.ErrCodeInvalidOrderIntent, "either quantity or sizing ratio must be set")
	}

	if oi.Quantity.IsSome() && oi.Quantity.Unwrap() <= 0 {
		return errors.New(errors.ErrCodeInvalidOrderIntent, "quantity must be positive")
	}

	if oi.SizingRatio.IsSome() {
		ratio := oi.SizingRatio.Unwrap()
		if ratio <= 0 || ratio > 1 {
			return errors.New(errors.ErrCodeInvalidOrderIntent, "sizing ratio must be in (0,1]")
		}
	}

	if oi.OrderType == OrderTypeLimit && oi.LimitPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidOrderIntent, "limit order requires a limit price")
	}

	if oi.OrderType == OrderTypeStop && oi.StopPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidOrderIntent, "stop order requires a stop price")
	}

	return nil
}

// RiskReducing reports whether the intent shrinks exposure. Risk-reducing
// intents bypass the circuit breaker and are never blocked by risk checks
// that only guard new exposure.
func (t IntentTag) RiskReducing() bool {
	return t == TagExit || t == TagReduce
}

// Order is an intent after risk adjustment, held by the broker until it is
// filled, rejected, or cancelled. ApprovedQuantity is never greater than
// the requested quantity.
type Order struct {
	OrderID          string      `yaml:"order_id" json:"order_id" csv:"order_id"`
	Symbol           string      `yaml:"symbol" json:"symbol" csv:"symbol" validate:"required"`
	Side             Side        `yaml:"side" json:"side" csv:"side" validate:"required,oneof=BUY SELL SHORT COVER"`
	OrderType        OrderType   `yaml:"order_type" json:"order_type" csv:"order_type" validate:"required,oneof=MARKET LIMIT STOP"`
	Tag              IntentTag   `yaml:"tag" json:"tag" csv:"tag"`
	ApprovedQuantity float64     `yaml:"approved_quantity" json:"approved_quantity" csv:"approved_quantity" validate:"required,gt=0"`
	FilledQuantity   float64     `yaml:"filled_quantity" json:"filled_quantity" csv:"filled_quantity"`
	LimitPrice       float64     `yaml:"limit_price" json:"limit_price" csv:"limit_price"`
	StopPrice        float64     `yaml:"stop_price" json:"stop_price" csv:"stop_price"`
	Status           OrderStatus `yaml:"status" json:"status" csv:"status"`
	Reason           Reason      `yaml:"reason" json:"reason" csv:"reason"`
	SignalID         string      `yaml:"signal_id" json:"signal_id" csv:"signal_id"`
	CreatedAt        time.Time   `yaml:"created_at" json:"created_at" csv:"created_at"`
}

// IsCompleted reports whether the order has reached a terminal status.
func (o *Order) IsCompleted() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// RemainingQuantity returns the unfilled remainder of the approved quantity.
func (o *Order) RemainingQuantity() float64 {
	return o.ApprovedQuantity - o.FilledQuantity
}

// Fill is one execution of an order. Immutable once created; fills are the
// sole mutators of portfolio state.
type Fill struct {
	OrderID    string    `yaml:"order_id" json:"order_id" csv:"order_id"`
	Symbol     string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	Side       Side      `yaml:"side" json:"side" csv:"side"`
	Tag        IntentTag `yaml:"tag" json:"tag" csv:"tag"`
	Price      float64   `yaml:"price" json:"price" csv:"price"`
	Quantity   float64   `yaml:"quantity" json:"quantity" csv:"quantity"`
	Commission float64   `yaml:"commission" json:"commission" csv:"commission"`
	Time       time.Time `yaml:"time" json:"time" csv:"time"`
	// PnL is the realized profit and loss for this fill, net of commission.
	// Zero for fills that only open or extend a position.
	PnL float64 `yaml:"pnl" json:"pnl" csv:"pnl"`
}

// Notional returns the gross traded value of the fill.
func (f *Fill) Notional() float64 {
	return f.Price * f.Quantity
}
