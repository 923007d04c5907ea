package scoring

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept on every stored score.
const Places = 2

var (
	// Floor is the lowest storable score.
	Floor = decimal.Zero
	// Ceiling is the highest storable score.
	Ceiling = decimal.RequireFromString("999.99")

	hundred = decimal.NewFromInt(100)
)

// Null is the "no score available" value. It is distinct from a zero score.
var Null = decimal.NullDecimal{}

// Normalize parses value into the canonical score domain: two decimal places,
// rounded half up, clamped to [Floor, Ceiling]. Empty or unparsable input
// yields Null.
func Normalize(value any) decimal.NullDecimal {
	return NormalizeWithMax(value, nil)
}

// NormalizeWithMax behaves like Normalize and additionally clamps to
// maxPossible when that normalizes to a valid score.
func NormalizeWithMax(value, maxPossible any) decimal.NullDecimal {
	d, ok := parse(value)
	if !ok {
		return Null
	}
	upper := Ceiling
	if maxPossible != nil {
		if limit, ok := parse(maxPossible); ok {
			limit = clamp(limit.Round(Places), Floor, Ceiling)
			if limit.LessThan(upper) {
				upper = limit
			}
		}
	}
	return valid(clamp(d.Round(Places), Floor, upper))
}

// Percentage returns earned/total*100 in [0, 100]. A zero total yields 0.00
// rather than Null.
func Percentage(earned, total any) decimal.NullDecimal {
	e := Normalize(earned)
	t := Normalize(total)
	if !e.Valid || !t.Valid {
		return Null
	}
	if t.Decimal.IsZero() {
		return valid(decimal.Zero.Round(Places))
	}
	pct := e.Decimal.DivRound(t.Decimal, Places+4).Mul(hundred)
	return valid(clamp(pct.Round(Places), Floor, hundred))
}

// PointsFromPercentage is the inverse of Percentage: pct% of totalPoints,
// clamped to [0, totalPoints].
func PointsFromPercentage(pct, totalPoints any) decimal.NullDecimal {
	p := Normalize(pct)
	t := Normalize(totalPoints)
	if !p.Valid || !t.Valid {
		return Null
	}
	points := p.Decimal.Mul(t.Decimal).DivRound(hundred, Places+4)
	return valid(clamp(points.Round(Places), Floor, t.Decimal))
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func clamp(d, lower, upper decimal.Decimal) decimal.Decimal {
	if d.LessThan(lower) {
		return lower
	}
	if d.GreaterThan(upper) {
		return upper
	}
	return d
}

// maxIntegerDigits bounds the magnitude of parsed values. Anything wider is
// above Ceiling regardless of its exact value.
const maxIntegerDigits = 6

// parse accepts decimals, Go numbers, json.Number and numeric strings
// (optionally suffixed with "%"). It never panics, and the result is small
// enough that rounding and comparison stay cheap.
func parse(value any) (decimal.Decimal, bool) {
	d, ok := parseValue(value)
	if !ok {
		return d, false
	}
	return bounded(d), true
}

// bounded replaces values with extreme exponents by an equivalent in-range
// stand-in before anything rescales them. Rescaling 1e100000000 would build a
// hundred-million-digit integer.
func bounded(d decimal.Decimal) decimal.Decimal {
	if d.Sign() == 0 {
		return decimal.Zero
	}
	magnitude := int64(d.Exponent()) + int64(d.NumDigits())
	switch {
	case magnitude > maxIntegerDigits:
		return decimal.NewFromInt(int64(d.Sign()) * 1_000_000)
	case magnitude < -Places:
		return decimal.Zero
	}
	return d
}

func parseValue(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Decimal{}, false
	case decimal.Decimal:
		return v, true
	case decimal.NullDecimal:
		return v.Decimal, v.Valid
	case *decimal.Decimal:
		if v == nil {
			return decimal.Decimal{}, false
		}
		return *v, true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt32(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(v)), 0), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0), true
	case float32:
		return parseFloat(float64(v))
	case float64:
		return parseFloat(v)
	case json.Number:
		return parseString(v.String())
	case string:
		return parseString(v)
	default:
		return decimal.Decimal{}, false
	}
}

func parseFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

func parseString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
