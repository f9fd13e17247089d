package alert

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Condition types. Price conditions compare the candle close to the
// alert threshold; indicator conditions compare a collaborator-fed
// value stream against zero or its own slope.
const (
	CondAbove         = "above"
	CondBelow         = "below"
	CondCrossUp       = "crosses_up"
	CondCrossDown     = "crosses_down"
	CondTurnsPositive = "turns_positive"
	CondTurnsNegative = "turns_negative"
	CondSlopeBullish  = "slope_bullish"
	CondSlopeBearish  = "slope_bearish"
)

// KnownCondition reports whether cond is one the engine evaluates.
func KnownCondition(cond string) bool {
	switch strings.ToLower(strings.TrimSpace(cond)) {
	case CondAbove, CondBelow, CondCrossUp, CondCrossDown,
		CondTurnsPositive, CondTurnsNegative, CondSlopeBullish, CondSlopeBearish:
		return true
	}
	return false
}

// IsIndicatorCondition reports whether cond reads the indicator stream
// instead of the candle close.
func IsIndicatorCondition(cond string) bool {
	switch cond {
	case CondTurnsPositive, CondTurnsNegative, CondSlopeBullish, CondSlopeBearish:
		return true
	}
	return false
}

// crossingMet implements the exact level-crossing table. prev and cur
// are consecutive values of the watched series; target is the alert
// threshold (zero for the turns-* variants).
func crossingMet(cond string, prev, cur, target decimal.Decimal) bool {
	switch cond {
	case CondAbove:
		return cur.GreaterThan(target) && prev.LessThanOrEqual(target)
	case CondBelow:
		return cur.LessThan(target) && prev.GreaterThanOrEqual(target)
	case CondCrossUp:
		return prev.LessThan(target) && cur.GreaterThanOrEqual(target)
	case CondCrossDown:
		return prev.GreaterThan(target) && cur.LessThanOrEqual(target)
	case CondTurnsPositive:
		zero := decimal.Zero
		return cur.GreaterThan(zero) && prev.LessThanOrEqual(zero)
	case CondTurnsNegative:
		zero := decimal.Zero
		return cur.LessThan(zero) && prev.GreaterThanOrEqual(zero)
	}
	return false
}

// slopeMet fires on a sign change of the series' first difference.
// prevDelta is the previous (value - priorValue); delta the current.
func slopeMet(cond string, prevDelta, delta decimal.Decimal) bool {
	zero := decimal.Zero
	switch cond {
	case CondSlopeBullish:
		return delta.GreaterThan(zero) && prevDelta.LessThanOrEqual(zero)
	case CondSlopeBearish:
		return delta.LessThan(zero) && prevDelta.GreaterThanOrEqual(zero)
	}
	return false
}
