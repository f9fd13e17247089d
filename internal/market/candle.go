package market

import "fmt"

// Candle is one OHLCV aggregate. Timestamp is the bar open time in
// Unix milliseconds, UTC. Unique per (symbol, interval, timestamp).
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Validate reports why a candle must not be stored. A nil result means
// the candle is well formed.
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if c.Interval == "" {
		return fmt.Errorf("candle missing interval")
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("candle %s %s has non-positive timestamp %d", c.Symbol, c.Interval, c.Timestamp)
	}
	if c.High < c.Low {
		return fmt.Errorf("candle %s %s @%d has high %.8f < low %.8f", c.Symbol, c.Interval, c.Timestamp, c.High, c.Low)
	}
	if c.Open < 0 || c.Close < 0 || c.Volume < 0 {
		return fmt.Errorf("candle %s %s @%d has negative field", c.Symbol, c.Interval, c.Timestamp)
	}
	return nil
}
