package feed

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
)

var (
	timeKeys   = []string{"time", "timestamp", "ts", "t", "E"}
	priceKeys  = []string{"price", "close", "close_price", "p", "c"}
	highKeys   = []string{"high", "high_price", "h"}
	lowKeys    = []string{"low", "low_price", "l"}
	symbolKeys = []string{"symbol", "s"}
)

// decodeTick maps one JSON object onto a tick. priceKeys overrides the default
// price lookup when non-empty. ok is false when no usable price is present.
func decodeTick(line []byte, prices []string) (tick core.Tick, hasTime bool, ok bool) {
	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(line)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return core.Tick{}, false, false
	}
	if len(prices) == 0 {
		prices = priceKeys
	}
	v, found := first(raw, prices...)
	if !found {
		return core.Tick{}, false, false
	}
	price, valid := parseDecimalValue(v)
	if !valid {
		return core.Tick{}, false, false
	}
	tick.Price = price
	if v, found := first(raw, timeKeys...); found {
		tick.Time, hasTime = parseTimeValue(v)
	}
	if v, found := first(raw, highKeys...); found {
		tick.High, _ = parseDecimalValue(v)
	}
	if v, found := first(raw, lowKeys...); found {
		tick.Low, _ = parseDecimalValue(v)
	}
	if v, found := first(raw, symbolKeys...); found {
		if s, isString := v.(string); isString {
			tick.Symbol = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	return tick, hasTime, true
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil && !math.IsNaN(fv) && !math.IsInf(fv, 0) {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		return parseTimeNumber(int64(t)), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTimeNumber treats values of thirteen digits or more as epoch milliseconds.
func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// parseDecimalValue rejects NaN and infinities before they can reach decimal math.
func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" || isNonFinite(s) {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}

func isNonFinite(s string) bool {
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return true
	}
	return false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
