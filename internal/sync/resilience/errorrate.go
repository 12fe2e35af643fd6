package resilience

import (
	"sync"
	"time"

	"github.com/docsyncd/docsyncd/internal/sync/classify"
	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

type outcome struct {
	at       time.Time
	failed   bool
	category classify.ErrorCategory
}

// ErrorRateAggregator records operation outcomes and answers windowed
// error-rate queries. Outcomes outside the largest useful window are pruned
// on write so memory stays bounded.
type ErrorRateAggregator struct {
	mu        sync.Mutex
	outcomes  []outcome
	retention time.Duration
}

// NewErrorRateAggregator keeps outcomes for the given retention window.
func NewErrorRateAggregator(retention time.Duration) *ErrorRateAggregator {
	if retention <= 0 {
		retention = time.Hour
	}
	return &ErrorRateAggregator{retention: retention}
}

// RecordSuccess records a successful operation.
func (a *ErrorRateAggregator) RecordSuccess() {
	a.add(outcome{at: time.Now()})
}

// RecordFailure classifies err and records the failure.
func (a *ErrorRateAggregator) RecordFailure(err error) {
	cat := classify.Classify(err)
	metrics.ErrorsByCategory.WithLabelValues(string(cat)).Inc()
	a.add(outcome{at: time.Now(), failed: true, category: cat})
}

func (a *ErrorRateAggregator) add(o outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	cutoff := time.Now().Add(-a.retention)
	for len(a.outcomes) > 0 && a.outcomes[0].at.Before(cutoff) {
		a.outcomes = a.outcomes[1:]
	}
}

// Rate returns errorCount/totalCount within the window, or 0 when nothing
// was recorded.
func (a *ErrorRateAggregator) Rate(window time.Duration) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-window)
	total, failed := 0, 0
	for _, o := range a.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if o.failed {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// FailuresByCategory returns failure counts per category within the window.
func (a *ErrorRateAggregator) FailuresByCategory(window time.Duration) map[classify.ErrorCategory]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-window)
	out := make(map[classify.ErrorCategory]int)
	for _, o := range a.outcomes {
		if o.failed && !o.at.Before(cutoff) {
			out[o.category]++
		}
	}
	return out
}
