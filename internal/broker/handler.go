package broker

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/lx-quant/pyramid-trading/internal/logger"
	"github.com/lx-quant/pyramid-trading/internal/portfolio"
	"github.com/lx-quant/pyramid-trading/internal/risk"
	"github.com/lx-quant/pyramid-trading/internal/utils"
	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Handler mediates between strategy, risk manager, broker, and portfolio.
// It owns the request/validate/execute/acknowledge sequence for one intent
// and records every rejection so audits can see why an intended trade
// never happened.
type Handler struct {
	risk       *risk.Manager
	broker     Broker
	portfolio  *portfolio.Portfolio
	commission CommissionModel
	logger     *logger.Logger

	orders     []types.Order
	rejections []types.RejectionRecord
	sequence   uint64

	// restingRisk holds the budget consumed per resting order, returned to
	// the risk manager if the order is later rejected instead of filled.
	restingRisk map[string]restingRisk
}

type restingRisk struct {
	symbol string
	amount float64
}

// orderNamespace seeds name-based order IDs so identical runs produce
// identical order and fill logs.
var orderNamespace = uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301")

// NewHandler creates an order handler. The commission model must match
// the broker's so sizing can anticipate fees; nil means free trading.
func NewHandler(riskManager *risk.Manager, b Broker, p *portfolio.Portfolio, commission CommissionModel, l *logger.Logger) *Handler {
	if commission == nil {
		commission = ZeroCommission{}
	}

	return &Handler{
		risk:        riskManager,
		broker:      b,
		portfolio:   p,
		commission:  commission,
		logger:      l,
		restingRisk: make(map[string]restingRisk),
	}
}

// Process routes one order intent: validate, risk-check, execute, apply.
// A risk or broker rejection returns None with a nil error; the rejection
// is recorded. A non-nil error means portfolio state can no longer be
// trusted and the run must stop.
func (h *Handler) Process(intent types.OrderIntent, bar types.MarketData) (optional.Option[types.Fill], error) {
	resolved, err := h.resolveQuantity(intent, bar)
	if err != nil {
		h.recordRejection(types.RejectionStageRisk, intent, bar, types.Reason{
			Reason:  types.ReasonInvalidQuantity,
			Message: err.Error(),
		})

		return optional.None[types.Fill](), nil
	}

	intent.Quantity = optional.Some(resolved)

	if err := intent.Validate(); err != nil {
		h.recordRejection(types.RejectionStageRisk, intent, bar, types.Reason{
			Reason:  types.ReasonInvalidQuantity,
			Message: err.Error(),
		})

		return optional.None[types.Fill](), nil
	}

	decision := h.risk.Validate(intent, bar.Close, h.portfolio)
	if decision.Verdict == risk.VerdictReject {
		h.recordRejection(types.RejectionStageRisk, intent, bar, decision.Reason)

		return optional.None[types.Fill](), nil
	}

	h.sequence++

	order := types.Order{
		OrderID:          h.nextOrderID(intent),
		Symbol:           intent.Symbol,
		Side:             intent.Side,
		OrderType:        intent.OrderType,
		Tag:              intent.Tag,
		ApprovedQuantity: decision.Quantity,
		LimitPrice:       intent.LimitPrice.TakeOr(0),
		StopPrice:        intent.StopPrice.TakeOr(0),
		Status:           types.OrderStatusPending,
		Reason:           intent.Reason,
		SignalID:         intent.SignalID,
		CreatedAt:        bar.Time,
	}

	riskAmount := decision.Quantity * intent.StopLossDistance.TakeOr(0)

	maybeFill, err := h.broker.SubmitOrder(&order)

	h.orders = append(h.orders, order)

	if err != nil {
		h.risk.ReduceOpenRisk(intent.Symbol, riskAmount)
		h.recordRejection(types.RejectionStageBroker, intent, bar, types.Reason{
			Reason:  rejectionReason(err),
			Message: err.Error(),
		})

		return optional.None[types.Fill](), nil
	}

	if maybeFill.IsNone() {
		// Resting order, fills on a later bar
		if riskAmount > 0 {
			h.restingRisk[order.OrderID] = restingRisk{symbol: intent.Symbol, amount: riskAmount}
		}

		return optional.None[types.Fill](), nil
	}

	fill, err := h.applyFill(maybeFill.Unwrap())
	if err != nil {
		return optional.None[types.Fill](), err
	}

	return optional.Some(fill), nil
}

// OnBar advances the broker's resting book and applies any resulting
// fills to the portfolio.
func (h *Handler) OnBar(bar types.MarketData) ([]types.Fill, error) {
	fills, rejections := h.broker.MarkBar(bar)
	h.rejections = append(h.rejections, rejections...)

	for _, rejection := range rejections {
		if resting, ok := h.restingRisk[rejection.OrderID]; ok {
			h.risk.ReduceOpenRisk(resting.symbol, resting.amount)
			delete(h.restingRisk, rejection.OrderID)
		}
	}

	applied := make([]types.Fill, 0, len(fills))

	for _, fill := range fills {
		delete(h.restingRisk, fill.OrderID)
		appliedFill, err := h.applyFill(fill)
		if err != nil {
			return applied, err
		}

		applied = append(applied, appliedFill)
	}

	return applied, nil
}

// applyFill mutates the portfolio with one fill. A failure here after the
// broker accepted the order is an invariant violation: the two books
// disagree and results are no longer trustworthy.
func (h *Handler) applyFill(fill types.Fill) (types.Fill, error) {
	appliedFill, err := h.portfolio.ApplyFill(fill)
	if err != nil {
		return types.Fill{}, errors.Wrapf(errors.ErrCodeInvariantViolated, err, "broker accepted order %s but portfolio rejected its fill", fill.OrderID)
	}

	if fill.Tag == types.TagExit && h.portfolio.PositionQuantity(fill.Symbol) == 0 {
		h.risk.ReleaseOpenRisk(fill.Symbol)
	}

	h.logger.Info("fill applied",
		zap.String("symbol", appliedFill.Symbol),
		zap.String("side", string(appliedFill.Side)),
		zap.String("tag", string(appliedFill.Tag)),
		zap.Float64("price", appliedFill.Price),
		zap.Float64("quantity", appliedFill.Quantity),
		zap.Float64("pnl", appliedFill.PnL))

	return appliedFill, nil
}

func (h *Handler) nextOrderID(intent types.OrderIntent) string {
	name := fmt.Sprintf("%d:%s:%s:%s", h.sequence, intent.Symbol, intent.Side, intent.Tag)

	return uuid.NewSHA1(orderNamespace, []byte(name)).String()
}

// resolveQuantity turns a sizing ratio into units and expands exit intents
// to the full held quantity.
func (h *Handler) resolveQuantity(intent types.OrderIntent, bar types.MarketData) (float64, error) {
	if intent.Tag == types.TagExit {
		held := h.portfolio.PositionQuantity(intent.Symbol)
		if held <= 0 {
			return 0, errors.Newf(errors.ErrCodeInsufficientQuantity, "exit intent for flat symbol %s", intent.Symbol)
		}

		return held, nil
	}

	if intent.Quantity.IsSome() {
		return intent.Quantity.Unwrap(), nil
	}

	if intent.SizingRatio.IsSome() {
		if bar.Close <= 0 {
			return 0, errors.New(errors.ErrCodeInvalidBar, "cannot size against non-positive close")
		}

		quantity := intent.SizingRatio.Unwrap() * h.portfolio.Equity() / bar.Close

		// Ratios close to 1.0 must not overrun cash once commission lands
		if affordable := utils.CalculateMaxQuantity(h.portfolio.Cash(), bar.Close, h.commission.Calculate); quantity > affordable {
			quantity = affordable
		}

		return utils.RoundToDecimalPrecision(quantity, 4), nil
	}

	return 0, errors.New(errors.ErrCodeInvalidOrderIntent, "intent has neither quantity nor sizing ratio")
}

func (h *Handler) recordRejection(stage types.RejectionStage, intent types.OrderIntent, bar types.MarketData, reason types.Reason) {
	record := types.RejectionRecord{
		Time:   bar.Time,
		Symbol: intent.Symbol,
		Stage:  stage,
		Tag:    intent.Tag,
		Reason: reason,
	}

	h.rejections = append(h.rejections, record)

	h.logger.Info("order intent rejected",
		zap.String("symbol", intent.Symbol),
		zap.String("stage", string(stage)),
		zap.String("tag", string(intent.Tag)),
		zap.String("reason", reason.Reason))
}

// Orders returns every order constructed by the handler, in order.
func (h *Handler) Orders() []types.Order {
	return h.orders
}

// Rejections returns every recorded rejection, in order.
func (h *Handler) Rejections() []types.RejectionRecord {
	return h.rejections
}
