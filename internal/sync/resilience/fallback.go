package resilience

import "context"

// FallbackResult tags where a value came from so observability can tell
// degraded answers apart from primary ones.
type FallbackResult struct {
	Value        any
	UsedFallback bool
	PrimaryErr   error
}

// ExecuteWithFallback runs primary and, if it fails, runs fallback and
// returns its result tagged as fallback-sourced. The primary's error is kept
// on the result for logging even when the fallback succeeds.
func ExecuteWithFallback(ctx context.Context, primary, fallback Op) (FallbackResult, error) {
	value, err := primary(ctx)
	if err == nil {
		return FallbackResult{Value: value}, nil
	}

	fbValue, fbErr := fallback(ctx)
	if fbErr != nil {
		return FallbackResult{UsedFallback: true, PrimaryErr: err}, fbErr
	}
	return FallbackResult{Value: fbValue, UsedFallback: true, PrimaryErr: err}, nil
}
