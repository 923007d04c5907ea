package scoring

import (
	"github.com/shopspring/decimal"
)

// RuntimeScore is the score a content runtime reported, as one of Scaled,
// Raw or Unknown.
type RuntimeScore interface {
	isRuntimeScore()
}

// Scaled is a 0..1 fraction (cmi.score.scaled).
type Scaled struct{ Value decimal.Decimal }

// Raw is a points value (cmi.score.raw / cmi.core.score.raw).
type Raw struct{ Value decimal.Decimal }

// Unknown means the payload carried no usable score.
type Unknown struct{}

func (Scaled) isRuntimeScore()  {}
func (Raw) isRuntimeScore()     {}
func (Unknown) isRuntimeScore() {}

var (
	scaledKeys = []string{"scaled", "score_scaled", "cmi.score.scaled"}
	rawKeys    = []string{"raw", "score_raw", "cmi.score.raw", "cmi.core.score.raw"}
)

// ParseRuntimeScore inspects a runtime payload. A parsable scaled value wins
// over raw; a nested "score" object is searched as well.
func ParseRuntimeScore(payload map[string]any) RuntimeScore {
	if payload == nil {
		return Unknown{}
	}
	if v, ok := lookup(payload, scaledKeys); ok {
		return Scaled{Value: v}
	}
	if v, ok := lookup(payload, rawKeys); ok {
		return Raw{Value: v}
	}
	if nested, ok := payload["score"].(map[string]any); ok {
		return ParseRuntimeScore(nested)
	}
	return Unknown{}
}

func lookup(payload map[string]any, keys []string) (decimal.Decimal, bool) {
	for _, key := range keys {
		raw, present := payload[key]
		if !present {
			continue
		}
		if d, ok := parse(raw); ok {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

// FromRuntimeScore converts a runtime score into the canonical domain.
// Scaled values are multiplied by 100.
func FromRuntimeScore(score RuntimeScore) decimal.NullDecimal {
	switch s := score.(type) {
	case Scaled:
		return Normalize(s.Value.Mul(hundred))
	case Raw:
		return Normalize(s.Value)
	case Unknown, nil:
		return Null
	default:
		return Null
	}
}

// FromPayload parses and normalizes a runtime payload in one step.
func FromPayload(payload map[string]any) decimal.NullDecimal {
	return FromRuntimeScore(ParseRuntimeScore(payload))
}
