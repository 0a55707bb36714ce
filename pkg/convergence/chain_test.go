package convergence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainThreadsValues(t *testing.T) {
	res, err := Chain(context.Background(), time.Second, []Step{
		{Fn: func(any) (any, error) { return 2, nil }},
		{Fn: func(prev any) (any, error) { return prev.(int) * 3, nil }},
		{Fn: func(prev any) (any, error) { return prev.(int) + 1, nil }},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, 3, res.Stats.Runs)
	assert.Equal(t, time.Second, res.Stats.Timeout)
}

func TestChainAlwaysStepUsesFractionOfBudget(t *testing.T) {
	start := time.Now()
	res, err := Chain(context.Background(), 500*time.Millisecond, []Step{
		{Fn: func(any) (any, error) { return "ok", nil }, Mode: ModeAlways},
		{Fn: func(prev any) (any, error) { return prev, nil }},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	// one tenth of 500ms
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestChainAlwaysStepMinimumBudget(t *testing.T) {
	start := time.Now()
	_, err := Chain(context.Background(), 100*time.Millisecond, []Step{
		{Fn: func(any) (any, error) { return nil, nil }, Mode: ModeAlways},
		{Fn: func(any) (any, error) { return nil, nil }},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestChainAlwaysBudgetIsConfigurable(t *testing.T) {
	start := time.Now()
	_, err := Chain(context.Background(), 100*time.Millisecond, []Step{
		{Fn: func(any) (any, error) { return nil, nil }, Mode: ModeAlways},
		{Fn: func(any) (any, error) { return nil, nil }},
	}, WithOptions(Options{AlwaysFraction: 0.5}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestChainFailureCarriesCumulativeStats(t *testing.T) {
	_, err := Chain(context.Background(), 60*time.Millisecond, []Step{
		{Fn: func(any) (any, error) { return 1, nil }},
		{Fn: func(any) (any, error) { return nil, errors.New("never") }},
	})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.EqualError(t, te.Last, "never")
	assert.Equal(t, 60*time.Millisecond, te.Stats.Timeout)
	assert.Greater(t, te.Stats.Runs, 1)
}
