// Package oracle defines the advisory oracle boundary. The oracle is a
// black-box service returning structured trading recommendations from a
// market snapshot. It is treated as non-deterministic, latent, and
// fallible: every failure mode (timeout, malformed content, rate limit)
// is converted by the caller to "no advice", never propagated as fatal.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// Snapshot is the structured market context handed to the oracle for one
// instrument at one time step.
type Snapshot struct {
	Symbol string `json:"symbol"`
	// Bar is the current bar for the instrument.
	Bar types.MarketData `json:"bar"`
	// History is a trailing window of bars ending at the current bar.
	History []types.MarketData `json:"history"`
	// Position is a read-only view of the current pyramid state.
	Position types.PositionState `json:"position"`
	Cash     float64             `json:"cash"`
	Equity   float64             `json:"equity"`
}

// Oracle produces advice for a snapshot. Implementations must respect the
// context deadline; a context error is reported as a timeout.
type Oracle interface {
	Advise(ctx context.Context, snapshot Snapshot) (types.Advice, error)
}

// Decode parses oracle response text into a validated Advice. The decode
// is strict: unknown fields, trailing content, or any schema violation
// fails the whole response. Callers treat a decode failure identically to
// a timeout and degrade to no-advice rather than guessing.
func Decode(symbol string, payload []byte) (types.Advice, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()

	var advice types.Advice
	if err := decoder.Decode(&advice); err != nil {
		return types.Advice{}, errors.Wrap(errors.ErrCodeAdviceParseFailed, "failed to decode advice payload", err)
	}

	// Reject trailing garbage after the JSON document
	if decoder.More() {
		return types.Advice{}, errors.New(errors.ErrCodeAdviceParseFailed, "trailing content after advice payload")
	}

	if advice.Symbol == "" {
		advice.Symbol = symbol
	}

	if advice.Symbol != symbol {
		return types.Advice{}, errors.Newf(errors.ErrCodeAdviceInvalid, "advice symbol %s does not match snapshot symbol %s", advice.Symbol, symbol)
	}

	if err := advice.Validate(); err != nil {
		return types.Advice{}, err
	}

	return advice, nil
}

// timeoutOracle bounds every Advise call with a deadline.
type timeoutOracle struct {
	inner   Oracle
	timeout time.Duration
}

// WithTimeout wraps an oracle so that each Advise call is bounded by the
// given timeout. An exceeded deadline is returned as an oracle timeout
// error; the caller's degrade policy decides what happens next.
func WithTimeout(inner Oracle, timeout time.Duration) Oracle {
	return &timeoutOracle{
		inner:   inner,
		timeout: timeout,
	}
}

func (o *timeoutOracle) Advise(ctx context.Context, snapshot Snapshot) (types.Advice, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type result struct {
		advice types.Advice
		err    error
	}

	resultCh := make(chan result, 1)

	go func() {
		advice, err := o.inner.Advise(ctx, snapshot)
		resultCh <- result{advice: advice, err: err}
	}()

	select {
	case <-ctx.Done():
		return types.Advice{}, errors.Wrapf(errors.ErrCodeOracleTimeout, ctx.Err(), "advice request for %s exceeded %s", snapshot.Symbol, o.timeout)
	case res := <-resultCh:
		return res.advice, res.err
	}
}
