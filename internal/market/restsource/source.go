// Package restsource fetches equities OHLCV from a plain JSON REST
// endpoint. Payload shape is loose across vendors, so fields are read
// with gjson rather than a rigid schema.
package restsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tidemark/internal/market"

	"github.com/tidwall/gjson"
)

type Config struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 20 * time.Second
	}
	return c
}

type Source struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	if strings.TrimSpace(final.BaseURL) == "" {
		return nil, fmt.Errorf("restsource: base_url is required")
	}
	return &Source{cfg: final, client: &http.Client{Timeout: final.HTTPTimeout}}, nil
}

func (s *Source) Venue() *market.Venue { return market.VenueEquities }

func (s *Source) FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if to <= from {
		return nil, market.ErrNoData
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	reqURL := strings.TrimRight(s.cfg.BaseURL, "/") + "/candles?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &market.TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &market.TransientError{Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &market.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, market.ErrNoData
	case resp.StatusCode >= 500:
		return nil, &market.TransientError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("restsource: unexpected status %d: %s", resp.StatusCode, firstLine(body))
	}
	return parseCandles(symbol, interval, body)
}

func (s *Source) Close() error { return nil }

// parseCandles accepts either {"candles": [...]} or a bare array, with
// per-bar keys t/o/h/l/c/v or their long names.
func parseCandles(symbol, interval string, body []byte) ([]market.Candle, error) {
	root := gjson.ParseBytes(body)
	arr := root.Get("candles")
	if !arr.Exists() {
		arr = root
	}
	if !arr.IsArray() {
		return nil, &market.TransientError{Err: fmt.Errorf("unparseable candle payload")}
	}
	var out []market.Candle
	arr.ForEach(func(_, item gjson.Result) bool {
		c := market.Candle{
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: pickInt(item, "t", "timestamp", "time"),
			Open:      pickFloat(item, "o", "open"),
			High:      pickFloat(item, "h", "high"),
			Low:       pickFloat(item, "l", "low"),
			Close:     pickFloat(item, "c", "close"),
			Volume:    pickFloat(item, "v", "volume"),
		}
		out = append(out, c)
		return true
	})
	if len(out) == 0 {
		return nil, market.ErrNoData
	}
	return out, nil
}

func pickInt(item gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

func pickFloat(item gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func retryAfter(resp *http.Response) time.Duration {
	if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 30 * time.Second
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
