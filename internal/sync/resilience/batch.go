package resilience

import (
	"context"

	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// BatchOptions controls partial-recovery behavior. With ContinueOnError set
// (the default for batch ingestion) every operation runs regardless of
// earlier failures; otherwise the batch aborts once failures exceed
// MaxFailures.
type BatchOptions struct {
	ContinueOnError bool
	MaxFailures     int
}

// BatchResult is a structured partial-success summary. Results is
// positional: successful slots hold the operation's result, failed slots
// hold the error itself, and slots never executed (early abort) stay nil.
type BatchResult struct {
	Total      int   `json:"total"`
	Successful int   `json:"successful"`
	Failed     int   `json:"failed"`
	Results    []any `json:"results"`
}

// ExecuteBatch runs every operation and collects outcomes instead of
// aborting on the first error.
func ExecuteBatch(ctx context.Context, ops []Op, opts BatchOptions) BatchResult {
	res := BatchResult{
		Total:   len(ops),
		Results: make([]any, len(ops)),
	}
	metrics.BatchSize.WithLabelValues("resilience").Observe(float64(len(ops)))

	for i, op := range ops {
		out, err := op(ctx)
		if err != nil {
			res.Results[i] = err
			res.Failed++
			if !opts.ContinueOnError && res.Failed > opts.MaxFailures {
				break
			}
			continue
		}
		res.Results[i] = out
		res.Successful++
	}
	return res
}
