package rating

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
)

const maxMeddicScore = 100

// Effect returns the counter increments an event contributes. It validates
// the payload fields the event type relies on.
func Effect(t model.EventType, payload map[string]any) (model.CounterDelta, error) {
	var d model.CounterDelta
	switch t {
	case model.EventDealWon:
		revenue, ok, err := decimalField(payload, "revenue")
		if err != nil {
			return d, err
		}
		if ok && revenue.IsNegative() {
			return d, fmt.Errorf("%w: deal_won revenue must not be negative", ErrInvalidEvent)
		}
		d.DealsWon = 1
		d.Annual.DealsWon = 1
		d.Revenue = revenue
	case model.EventDealLost:
		d.DealsLost = 1
	case model.EventOpportunityCreated:
		d.Annual.Opportunities = 1
	case model.EventCertificationGranted:
		d.Certifications = 1
		d.Annual.CertifiedEmployees = 1
	case model.EventMeddicScoreUpdated:
		score, ok, err := decimalField(payload, "score")
		if err != nil {
			return d, err
		}
		if !ok {
			return d, fmt.Errorf("%w: meddic_score_updated requires score", ErrInvalidEvent)
		}
		if score.IsNegative() || score.GreaterThan(decimal.NewFromInt(maxMeddicScore)) {
			return d, fmt.Errorf("%w: meddic score %s outside [0,%d]", ErrInvalidEvent, score, maxMeddicScore)
		}
		d.MeddicTotal = int(score.Round(0).IntPart())
		d.MeddicCount = 1
	case model.EventComplianceViolation:
		d.ComplianceViolations = 1
	case model.EventEngagement:
		// Counted through the event log only.
	default:
		return d, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, t)
	}
	return d, nil
}

// decimalField reads a numeric payload field. Numbers may arrive as JSON
// numbers (json.Number keeps full precision), Go integers, decimals or numeric
// strings.
func decimalField(payload map[string]any, key string) (decimal.Decimal, bool, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return decimal.Zero, false, nil
	}
	var (
		v   decimal.Decimal
		err error
	)
	switch x := raw.(type) {
	case float64:
		v = decimal.NewFromFloat(x)
	case float32:
		v = decimal.NewFromFloat32(x)
	case int:
		v = decimal.NewFromInt(int64(x))
	case int64:
		v = decimal.NewFromInt(x)
	case decimal.Decimal:
		v = x
	case json.Number:
		v, err = decimal.NewFromString(x.String())
	case string:
		v, err = decimal.NewFromString(x)
	case fmt.Stringer:
		v, err = decimal.NewFromString(x.String())
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, key, err)
	}
	return v, true, nil
}

// formatRating renders a rating for logs.
func formatRating(r float64) string {
	return strconv.FormatFloat(r, 'f', 2, 64)
}
