package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okOp(v any) Op {
	return func(ctx context.Context) (any, error) { return v, nil }
}

func failOp(err error) Op {
	return func(ctx context.Context) (any, error) { return nil, err }
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker("vector", 2, time.Minute)
	boom := errors.New("dependency down")

	_, err := b.Execute(ctx, failOp(boom))
	require.ErrorIs(t, err, boom)
	_, err = b.Execute(ctx, failOp(boom))
	require.ErrorIs(t, err, boom)
	require.True(t, b.IsOpen(), "two consecutive failures must open the breaker")

	// Third call fails immediately without invoking the operation.
	invoked := false
	_, err = b.Execute(ctx, func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "Circuit breaker is open", err.Error())
	assert.False(t, invoked, "open breaker must not invoke the operation")
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker("vector", 2, time.Minute)

	_, _ = b.Execute(ctx, failOp(errors.New("x")))
	_, err := b.Execute(ctx, okOp("fine"))
	require.NoError(t, err)
	_, _ = b.Execute(ctx, failOp(errors.New("x")))
	assert.False(t, b.IsOpen(), "failures must be consecutive to open the breaker")
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker("vector", 1, 10*time.Millisecond)

	_, _ = b.Execute(ctx, failOp(errors.New("x")))
	require.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)

	// Trial call succeeds and closes the breaker.
	_, err := b.Execute(ctx, okOp("recovered"))
	require.NoError(t, err)
	assert.False(t, b.IsOpen())

	// Open again, and a failing trial re-opens.
	_, _ = b.Execute(ctx, failOp(errors.New("x")))
	time.Sleep(20 * time.Millisecond)
	_, _ = b.Execute(ctx, failOp(errors.New("still down")))
	assert.True(t, b.IsOpen(), "failed trial call must re-open the breaker")
}

func TestExecuteBatch_PartialRecovery(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("b failed")
	ops := []Op{okOp("a"), failOp(boom), okOp("c")}

	res := ExecuteBatch(ctx, ops, BatchOptions{ContinueOnError: true})
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "a", res.Results[0])
	errVal, ok := res.Results[1].(error)
	require.True(t, ok, "failed slot must hold the error itself")
	assert.ErrorIs(t, errVal, boom)
	assert.Equal(t, "c", res.Results[2])
}

func TestExecuteBatch_AbortsPastMaxFailures(t *testing.T) {
	ctx := context.Background()
	ran := 0
	counted := func(op Op) Op {
		return func(ctx context.Context) (any, error) {
			ran++
			return op(ctx)
		}
	}
	ops := []Op{
		counted(failOp(errors.New("1"))),
		counted(failOp(errors.New("2"))),
		counted(okOp("never reached")),
	}

	res := ExecuteBatch(ctx, ops, BatchOptions{ContinueOnError: false, MaxFailures: 1})
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, ran, "batch must abort once failures exceed MaxFailures")
	assert.Nil(t, res.Results[2])
}

func TestExecuteWithFallback(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("primary down")

	res, err := ExecuteWithFallback(ctx, failOp(boom), okOp("degraded"))
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, "degraded", res.Value)
	assert.ErrorIs(t, res.PrimaryErr, boom)

	res, err = ExecuteWithFallback(ctx, okOp("primary"), okOp("degraded"))
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, "primary", res.Value)

	fbErr := errors.New("fallback down too")
	_, err = ExecuteWithFallback(ctx, failOp(boom), failOp(fbErr))
	assert.ErrorIs(t, err, fbErr)
}

func TestErrorRateAggregator(t *testing.T) {
	a := NewErrorRateAggregator(time.Hour)

	a.RecordSuccess()
	a.RecordSuccess()
	a.RecordSuccess()
	a.RecordFailure(errors.New("dial tcp: i/o timeout"))

	assert.InDelta(t, 0.25, a.Rate(time.Minute), 1e-9)
	assert.Equal(t, 0.0, NewErrorRateAggregator(time.Hour).Rate(time.Minute))

	byCat := a.FailuresByCategory(time.Minute)
	assert.Equal(t, 1, byCat["NETWORK_TIMEOUT"])
}
