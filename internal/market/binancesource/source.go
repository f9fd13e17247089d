// Package binancesource adapts the Binance klines API to the
// market.Provider contract for always-on venues.
package binancesource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tidemark/internal/market"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const maxKlinesPerCall = 1000

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://api.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

type Source struct {
	cfg    Config
	client *binance.Client
}

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	client := binance.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{cfg: final, client: client}
}

func (s *Source) Venue() *market.Venue { return market.VenueCrypto }

func (s *Source) FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	if to <= from {
		return nil, market.ErrNoData
	}
	// Binance EndTime is inclusive; the contract is [from, to).
	kls, err := s.client.NewKlinesService().
		Symbol(strings.ReplaceAll(symbol, "/", "")).
		Interval(interval).
		StartTime(from).
		EndTime(to - 1).
		Limit(maxKlinesPerCall).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: kl.OpenTime,
			Open:      parseF(kl.Open),
			High:      parseF(kl.High),
			Low:       parseF(kl.Low),
			Close:     parseF(kl.Close),
			Volume:    parseF(kl.Volume),
		})
	}
	if len(out) == 0 {
		return nil, market.ErrNoData
	}
	return out, nil
}

func (s *Source) Close() error { return nil }

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
			return &market.RateLimitedError{RetryAfter: time.Minute}
		}
	}
	return &market.TransientError{Err: err}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
