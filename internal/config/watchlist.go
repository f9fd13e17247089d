package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Watchlist declares the actively watched pairs and which symbols the
// UI currently has in view (first alert-evaluation tier).
type Watchlist struct {
	Venue string          `yaml:"venue"`
	Pairs []WatchlistPair `yaml:"pairs"`
	// Active symbols evaluate in the first alert tier.
	Active []string `yaml:"active"`
}

type WatchlistPair struct {
	Symbol    string   `yaml:"symbol"`
	Intervals []string `yaml:"intervals"`
}

// LoadWatchlist parses the YAML watchlist at path.
func LoadWatchlist(path string) (*Watchlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist failed (%s): %w", path, err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(raw, &wl); err != nil {
		return nil, fmt.Errorf("parsing watchlist failed: %w", err)
	}
	if err := wl.normalize(); err != nil {
		return nil, err
	}
	return &wl, nil
}

func (w *Watchlist) normalize() error {
	if w.Venue == "" {
		w.Venue = "crypto"
	}
	seen := make(map[string]struct{})
	out := w.Pairs[:0]
	for _, p := range w.Pairs {
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		if p.Symbol == "" {
			continue
		}
		if _, dup := seen[p.Symbol]; dup {
			return fmt.Errorf("watchlist: duplicate symbol %s", p.Symbol)
		}
		seen[p.Symbol] = struct{}{}
		ivs := make([]string, 0, len(p.Intervals))
		for _, iv := range p.Intervals {
			iv = strings.ToLower(strings.TrimSpace(iv))
			if iv != "" {
				ivs = append(ivs, iv)
			}
		}
		if len(ivs) == 0 {
			ivs = []string{"1h"}
		}
		p.Intervals = ivs
		out = append(out, p)
	}
	w.Pairs = out
	for i, s := range w.Active {
		w.Active[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return nil
}
