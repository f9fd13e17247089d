package httpapi

import (
	"encoding/json"
	"fmt"

	"tidemark/internal/alert"
	"tidemark/internal/market"
	"tidemark/internal/store/alertstore"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Alert payloads come straight from the browser, so they are validated
// against a schema before touching the store.
const alertSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["symbol", "interval", "condition", "threshold"],
  "additionalProperties": false,
  "properties": {
    "symbol":    {"type": "string", "minLength": 1, "maxLength": 32},
    "interval":  {"type": "string", "enum": ["1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"]},
    "condition": {"type": "string", "enum": ["above", "below", "crosses_up", "crosses_down", "turns_positive", "turns_negative", "slope_bullish", "slope_bearish"]},
    "threshold": {"type": "number"},
    "throttle_mode": {"type": "string", "enum": ["none", "once_per_bar", "once_per_day"]},
    "params": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "enabled":  {"type": "boolean"},
    "deferred": {"type": "boolean"}
  }
}`

var alertSchema = jsonschema.MustCompileString("alert.json", alertSchemaJSON)

type alertPayload struct {
	Symbol       string            `json:"symbol"`
	Interval     string            `json:"interval"`
	Condition    string            `json:"condition"`
	Threshold    *float64          `json:"threshold"`
	ThrottleMode string            `json:"throttle_mode"`
	Params       map[string]string `json:"params"`
	Enabled      *bool             `json:"enabled"`
	Deferred     *bool             `json:"deferred"`
}

// ParseAlertPayload validates a create request and maps it onto an
// Alert. New alerts default to enabled.
func ParseAlertPayload(raw []byte) (alertstore.Alert, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := alertSchema.Validate(doc); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid alert: %w", err)
	}
	var p alertPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid json: %w", err)
	}
	out := alertstore.Alert{
		Symbol:       p.Symbol,
		Interval:     p.Interval,
		Condition:    p.Condition,
		ThrottleMode: p.ThrottleMode,
		Params:       p.Params,
		Enabled:      true,
	}
	if p.Threshold != nil {
		out.Threshold = *p.Threshold
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Deferred != nil {
		out.Deferred = *p.Deferred
	}
	return out, validateAlertSemantics(out)
}

// ApplyAlertPatch validates a partial update against the schema and
// overlays the present fields onto the stored alert.
func ApplyAlertPatch(existing alertstore.Alert, raw []byte) (alertstore.Alert, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid json: %w", err)
	}
	// The patch schema is the create schema without required fields,
	// which partialSchema encodes once at init.
	if err := partialAlertSchema.Validate(any(doc)); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid alert: %w", err)
	}
	var p alertPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return alertstore.Alert{}, fmt.Errorf("invalid json: %w", err)
	}
	out := existing
	if p.Symbol != "" {
		out.Symbol = p.Symbol
	}
	if p.Interval != "" {
		out.Interval = p.Interval
	}
	if p.Condition != "" {
		out.Condition = p.Condition
	}
	if p.Threshold != nil {
		out.Threshold = *p.Threshold
	}
	if p.ThrottleMode != "" {
		out.ThrottleMode = p.ThrottleMode
	}
	if p.Params != nil {
		out.Params = p.Params
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Deferred != nil {
		out.Deferred = *p.Deferred
	}
	return out, validateAlertSemantics(out)
}

const partialAlertSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "symbol":    {"type": "string", "minLength": 1, "maxLength": 32},
    "interval":  {"type": "string", "enum": ["1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"]},
    "condition": {"type": "string", "enum": ["above", "below", "crosses_up", "crosses_down", "turns_positive", "turns_negative", "slope_bullish", "slope_bearish"]},
    "threshold": {"type": "number"},
    "throttle_mode": {"type": "string", "enum": ["none", "once_per_bar", "once_per_day"]},
    "params": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "enabled":  {"type": "boolean"},
    "deferred": {"type": "boolean"}
  }
}`

var partialAlertSchema = jsonschema.MustCompileString("alert_patch.json", partialAlertSchemaJSON)

// validateAlertSemantics catches cross-field rules the schema cannot
// express.
func validateAlertSemantics(a alertstore.Alert) error {
	if !alert.KnownCondition(a.Condition) {
		return fmt.Errorf("unknown condition %q", a.Condition)
	}
	if _, ok := market.ParseIntervalDuration(a.Interval); !ok {
		return fmt.Errorf("unknown interval %q", a.Interval)
	}
	if alert.IsIndicatorCondition(a.Condition) && a.Params["indicator"] == "" {
		return fmt.Errorf("condition %q requires params.indicator", a.Condition)
	}
	return nil
}
