package types

import "time"

// MarketData is a single OHLCV bar for one instrument. Bars are immutable
// once produced by the feed.
type MarketData struct {
	Symbol string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	Time   time.Time `yaml:"time" json:"time" csv:"time"`
	Open   float64   `yaml:"open" json:"open" csv:"open"`
	High   float64   `yaml:"high" json:"high" csv:"high"`
	Low    float64   `yaml:"low" json:"low" csv:"low"`
	Close  float64   `yaml:"close" json:"close" csv:"close"`
	Volume float64   `yaml:"volume" json:"volume" csv:"volume"`
}

// IsValid reports whether the bar has a coherent OHLC range and a symbol.
// Malformed bars are skipped by the engine rather than treated as fatal.
func (m *MarketData) IsValid() bool {
	if m.Symbol == "" || m.Time.IsZero() {
		return false
	}

	if m.Open <= 0 || m.High <= 0 || m.Low <= 0 || m.Close <= 0 {
		return false
	}

	if m.High < m.Low {
		return false
	}

	if m.High < m.Open || m.High < m.Close || m.Low > m.Open || m.Low > m.Close {
		return false
	}

	return m.Volume >= 0
}
