// Package emotion picks the dominant expression of a recognised face and
// decides which configured thresholds it crosses.
package emotion

import (
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/google/uuid"
)

// Evaluation is the outcome of evaluating one matched face.
type Evaluation struct {
	Dominant      types.Emotion
	DominantScore float64
	Alerts        []types.AlertEvent
}

// Dominant returns the label with the highest score. Ties go to the label
// that comes first in types.CanonicalEmotions. ok is false for an empty
// distribution.
func Dominant(expr types.Expressions) (label types.Emotion, score float64, ok bool) {
	for _, e := range types.CanonicalEmotions {
		v, present := expr[e]
		if !present {
			continue
		}
		if !ok || v > score {
			label, score, ok = e, v, true
		}
	}
	return label, score, ok
}

// Evaluate compares expr against thresholds and returns one alert per
// crossed label (score >= threshold), in canonical label order. Labels that
// are absent from either map never alert. As a side effect the identity's
// last-seen expressions and timestamp are overwritten.
func Evaluate(id *types.Identity, expr types.Expressions, thresholds Thresholds, now time.Time) Evaluation {
	var ev Evaluation
	ev.Dominant, ev.DominantScore, _ = Dominant(expr)

	for _, e := range types.CanonicalEmotions {
		limit, configured := thresholds[e]
		if !configured {
			continue
		}
		score, present := expr[e]
		if !present || score < limit {
			continue
		}
		ev.Alerts = append(ev.Alerts, types.AlertEvent{
			ID:           uuid.NewString(),
			IdentityName: id.Name,
			Emotion:      e,
			Score:        score,
			ObservedAt:   now,
		})
	}

	id.LastSeenExpressions = expr.Clone()
	seen := now
	id.LastSeenAt = &seen
	return ev
}
