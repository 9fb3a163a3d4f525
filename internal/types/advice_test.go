package types

import (
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
)

type AdviceTestSuite struct {
	suite.Suite
}

func TestAdviceSuite(t *testing.T) {
	suite.Run(t, new(AdviceTestSuite))
}

func (suite *AdviceTestSuite) TestValidate() {
	tests := []struct {
		name    string
		advice  Advice
		wantErr bool
	}{
		{
			name: "valid enter advice",
			advice: Advice{
				Symbol:        "AAPL",
				Trend:         TrendUp,
				TrendStrength: 7,
				Confidence:    0.85,
				Decision:      DecisionEnter,
				StopLoss:      optional.Some(95.0),
			},
			wantErr: false,
		},
		{
			name: "confidence above one",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendUp,
				Confidence: 1.2,
				Decision:   DecisionEnter,
			},
			wantErr: true,
		},
		{
			name: "unknown trend label",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendLabel("bullish"),
				Confidence: 0.5,
				Decision:   DecisionHold,
			},
			wantErr: true,
		},
		{
			name: "unknown decision verb",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendUp,
				Confidence: 0.5,
				Decision:   AdviceDecision("yolo"),
			},
			wantErr: true,
		},
		{
			name: "negative stop loss",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendDown,
				Confidence: 0.9,
				Decision:   DecisionExit,
				StopLoss:   optional.Some(-1.0),
			},
			wantErr: true,
		},
		{
			name: "entry band with only one bound",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendUp,
				Confidence: 0.9,
				Decision:   DecisionEnter,
				EntryLow:   optional.Some(100.0),
			},
			wantErr: true,
		},
		{
			name: "inverted entry band",
			advice: Advice{
				Symbol:     "AAPL",
				Trend:      TrendUp,
				Confidence: 0.9,
				Decision:   DecisionEnter,
				EntryLow:   optional.Some(110.0),
				EntryHigh:  optional.Some(100.0),
			},
			wantErr: true,
		},
		{
			name: "trend strength over scale",
			advice: Advice{
				Symbol:        "AAPL",
				Trend:         TrendUp,
				TrendStrength: 11,
				Confidence:    0.9,
				Decision:      DecisionEnter,
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		suite.Run(tc.name, func() {
			err := tc.advice.Validate()
			if tc.wantErr {
				suite.Error(err)
			} else {
				suite.NoError(err)
			}
		})
	}
}

func (suite *AdviceTestSuite) TestNoAdvice() {
	advice := NoAdvice("AAPL")
	suite.Equal("AAPL", advice.Symbol)
	suite.Equal(DecisionHold, advice.Decision)
	suite.Zero(advice.Confidence)
	suite.NoError(advice.Validate())
}

func (suite *AdviceTestSuite) TestActionable() {
	advice := Advice{Confidence: 0.6}
	suite.True(advice.Actionable(0.6))
	suite.True(advice.Actionable(0.5))
	suite.False(advice.Actionable(0.61))
}
