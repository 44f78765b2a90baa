package statemachine

import (
	"time"

	"github.com/petrijr/evalflow/pkg/api"
)

// TimeInStates sums how long an entity spent in each state. records must be
// one entity's history in order; the last state counts until now. States
// entered more than once accumulate.
func TimeInStates(records []api.TransitionRecord, now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for i, rec := range records {
		until := now
		if i+1 < len(records) {
			until = records[i+1].At
		}
		if d := until.Sub(rec.At); d > 0 {
			out[rec.ToState] += d
		} else if _, ok := out[rec.ToState]; !ok {
			out[rec.ToState] = 0
		}
	}
	return out
}

// TimeInCurrentState returns how long ago the last transition happened, or
// zero for an empty history.
func TimeInCurrentState(records []api.TransitionRecord, now time.Time) time.Duration {
	if len(records) == 0 {
		return 0
	}
	return max(now.Sub(records[len(records)-1].At), 0)
}
