package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidOrderIntent   ErrorCode = 102
	ErrCodeInvalidStopLoss      ErrorCode = 103
	ErrCodeInvalidOrder         ErrorCode = 104
	ErrCodeInsufficientData     ErrorCode = 105
	ErrCodeInvalidPeriod        ErrorCode = 106
	ErrCodeMissingParameter     ErrorCode = 107
	ErrCodeInvalidThreshold     ErrorCode = 108
	ErrCodeInvalidMultiplier    ErrorCode = 109
	ErrCodeInvalidBar           ErrorCode = 110

	// Data/Feed errors (200-299)
	ErrCodeDataNotFound         ErrorCode = 200
	ErrCodeFeedUnavailable      ErrorCode = 201
	ErrCodeQueryFailed          ErrorCode = 202
	ErrCodeNoDataFound          ErrorCode = 203
	ErrCodeDataOutOfOrder       ErrorCode = 204
	ErrCodeDataParseFailed      ErrorCode = 205
	ErrCodeDataWriteFailed      ErrorCode = 206
	ErrCodeUnsupportedFormat    ErrorCode = 207
	ErrCodeFeedAlreadyClosed    ErrorCode = 208
	ErrCodeSymbolNotAvailable   ErrorCode = 209
	ErrCodeUnsupportedTimeframe ErrorCode = 210

	// Oracle errors (300-399)
	ErrCodeOracleUnavailable  ErrorCode = 300
	ErrCodeOracleTimeout      ErrorCode = 301
	ErrCodeAdviceParseFailed  ErrorCode = 302
	ErrCodeAdviceInvalid      ErrorCode = 303
	ErrCodeScriptExhausted    ErrorCode = 304
	ErrCodeOracleInitFailed   ErrorCode = 305
	ErrCodeAdviceActionUnknown ErrorCode = 306

	// Strategy errors (400-499)
	ErrCodeStrategyConfigError  ErrorCode = 400
	ErrCodeStrategyRuntimeError ErrorCode = 401
	ErrCodeInvalidTransition    ErrorCode = 402
	ErrCodeLevelLimitExceeded   ErrorCode = 403
	ErrCodeSizingFailed         ErrorCode = 404

	// Risk errors (500-599)
	ErrCodeRiskRejected        ErrorCode = 500
	ErrCodeRiskLimitBreached   ErrorCode = 501
	ErrCodeCircuitBreakerOpen  ErrorCode = 502
	ErrCodeCorrelationFailed   ErrorCode = 503

	// Broker/Order errors (600-699)
	ErrCodeOrderFailed           ErrorCode = 600
	ErrCodeOrderNotFound         ErrorCode = 601
	ErrCodeInsufficientCash      ErrorCode = 602
	ErrCodeInsufficientQuantity  ErrorCode = 603
	ErrCodeOrderAlreadyCompleted ErrorCode = 604
	ErrCodeUnsupportedOrderType  ErrorCode = 605
	ErrCodeUnsupportedSide       ErrorCode = 606

	// Portfolio errors (700-799)
	ErrCodePositionNotFound      ErrorCode = 700
	ErrCodePortfolioInconsistent ErrorCode = 701
	ErrCodeFillRejected          ErrorCode = 702

	// Backtest errors (800-899)
	ErrCodeBacktestStateNil    ErrorCode = 800
	ErrCodeBacktestInitFailed  ErrorCode = 801
	ErrCodeBacktestConfigError ErrorCode = 802
	ErrCodeBacktestNoData      ErrorCode = 803
	ErrCodeBacktestNoResultsDir ErrorCode = 804
	ErrCodeBacktestCancelled   ErrorCode = 805
	ErrCodeInvariantViolated   ErrorCode = 806
	ErrCodeOptimizerNoGrid     ErrorCode = 807
)
