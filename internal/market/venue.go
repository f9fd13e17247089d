package market

import (
	"strings"
	"time"
)

// Venue describes the trading-calendar rules that govern which bar
// timestamps are expected to exist for a symbol.
type Venue struct {
	Name string
	// AlwaysOn venues (crypto) expect a candle at every interval step.
	AlwaysOn bool
	// Location is the venue's local timezone, used only for
	// calendar-day throttling (DayKey).
	Location *time.Location
	// Holidays holds closed full days as "2006-01-02", keyed by the
	// UTC date of the daily bar stamp.
	Holidays map[string]struct{}
}

var (
	// VenueCrypto is the always-on venue. Every interval step expects
	// a bar, calendar days roll over at UTC midnight.
	VenueCrypto = &Venue{Name: "crypto", AlwaysOn: true, Location: time.UTC}

	// VenueEquities trades Monday..Friday excluding holidays. Sessions
	// are modelled as whole days, which is how daily providers report.
	VenueEquities = &Venue{
		Name:     "equities",
		Location: mustLoadLocation("America/New_York"),
		Holidays: usMarketHolidays,
	}
)

// usMarketHolidays covers the fixed NYSE full-day closures for the
// years the cache realistically serves. Kept as data so a config file
// can extend it without touching calendar logic.
var usMarketHolidays = map[string]struct{}{
	"2020-01-01": {}, "2020-01-20": {}, "2020-02-17": {}, "2020-04-10": {},
	"2020-05-25": {}, "2020-07-03": {}, "2020-09-07": {}, "2020-11-26": {},
	"2020-12-25": {},
	"2024-01-01": {}, "2024-01-15": {}, "2024-02-19": {}, "2024-03-29": {},
	"2024-05-27": {}, "2024-06-19": {}, "2024-07-04": {}, "2024-09-02": {},
	"2024-11-28": {}, "2024-12-25": {},
	"2025-01-01": {}, "2025-01-20": {}, "2025-02-17": {}, "2025-04-18": {},
	"2025-05-26": {}, "2025-06-19": {}, "2025-07-04": {}, "2025-09-01": {},
	"2025-11-27": {}, "2025-12-25": {},
	"2026-01-01": {}, "2026-01-19": {}, "2026-02-16": {}, "2026-04-03": {},
	"2026-05-25": {}, "2026-06-19": {}, "2026-07-03": {}, "2026-09-07": {},
	"2026-11-26": {}, "2026-12-25": {},
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// VenueByName resolves a config venue string; unknown names fall back
// to the always-on venue.
func VenueByName(name string) *Venue {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "equities", "stock", "stocks", "nyse", "nasdaq":
		return VenueEquities
	default:
		return VenueCrypto
	}
}

// IsTradingTime reports whether a bar timestamp (Unix ms) falls inside
// the venue's trading calendar. Bars are stamped at UTC bar-open, so
// the session day is the UTC calendar date of the stamp; converting to
// the venue timezone would shift a midnight bar onto the previous day.
func (v *Venue) IsTradingTime(ts int64) bool {
	if v == nil || v.AlwaysOn {
		return true
	}
	day := time.UnixMilli(ts).UTC()
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if _, closed := v.Holidays[day.Format("2006-01-02")]; closed {
		return false
	}
	return true
}

// NextStep returns the next expected bar timestamp strictly after ts,
// skipping non-trading steps on calendar venues.
func (v *Venue) NextStep(ts int64, stepMs int64) int64 {
	next := ts + stepMs
	if v == nil || v.AlwaysOn {
		return next
	}
	for !v.IsTradingTime(next) {
		next += stepMs
	}
	return next
}

// DayKey returns the venue-local calendar day for ts, used to key
// once-per-day throttling.
func (v *Venue) DayKey(ts int64) string {
	return time.UnixMilli(ts).In(v.loc()).Format("2006-01-02")
}

func (v *Venue) loc() *time.Location {
	if v == nil || v.Location == nil {
		return time.UTC
	}
	return v.Location
}
