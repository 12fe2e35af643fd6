package classify

import "time"

// RetryStrategy parameterizes the backoff schedule for one error category.
// Values are snapshots; schedulers must not assume the struct is shared.
type RetryStrategy struct {
	Name          string
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxInterval   time.Duration
}

// DefaultStrategy is the system-wide baseline. Category overrides are merged
// field-by-field on top of it.
var DefaultStrategy = RetryStrategy{
	Name:          "default",
	MaxRetries:    3,
	InitialDelay:  1 * time.Second,
	BackoffFactor: 2.0,
	MaxInterval:   30 * time.Second,
}

// strategyOverrides holds per-category deviations from DefaultStrategy.
// Zero fields inherit the default. Categories absent here use the default
// unmodified.
var strategyOverrides = map[ErrorCategory]RetryStrategy{
	EmbeddingRateLimit:   {Name: "embedding_rate_limit", MaxRetries: 5, InitialDelay: 5 * time.Second, MaxInterval: 60 * time.Second},
	EmbeddingUnavailable: {Name: "embedding_unavailable", MaxRetries: 4, InitialDelay: 3 * time.Second},
	VectorCapacity:       {Name: "vector_capacity", MaxRetries: 4, InitialDelay: 10 * time.Second, MaxInterval: 2 * time.Minute},
	VectorConnection:     {Name: "vector_connection", MaxRetries: 4, InitialDelay: 2 * time.Second, MaxInterval: 60 * time.Second},
	DatabaseLock:         {Name: "database_lock", MaxRetries: 5, InitialDelay: 200 * time.Millisecond, BackoffFactor: 1.5, MaxInterval: 5 * time.Second},
	DatabaseTimeout:      {Name: "database_timeout", MaxRetries: 4, InitialDelay: 500 * time.Millisecond, MaxInterval: 10 * time.Second},
	NetworkTimeout:       {Name: "network_timeout", MaxRetries: 4, InitialDelay: 2 * time.Second, MaxInterval: 60 * time.Second},
	NetworkConnection:    {Name: "network_connection", MaxRetries: 4, InitialDelay: 2 * time.Second, MaxInterval: 60 * time.Second},
	ResourceMemory:       {Name: "resource_memory", MaxRetries: 2, InitialDelay: 15 * time.Second, MaxInterval: 2 * time.Minute},
	ResourceDisk:         {Name: "resource_disk", MaxRetries: 2, InitialDelay: 30 * time.Second, MaxInterval: 5 * time.Minute},
	// Unknown is temporary-but-capped: retry, but give up quickly.
	Unknown: {Name: "unknown", MaxRetries: 2},
}

// StrategyForCategory resolves the effective strategy for a category.
func StrategyForCategory(cat ErrorCategory) RetryStrategy {
	override, ok := strategyOverrides[cat]
	if !ok {
		return DefaultStrategy
	}
	merged := DefaultStrategy
	merged.Name = override.Name
	if override.MaxRetries != 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if override.InitialDelay != 0 {
		merged.InitialDelay = override.InitialDelay
	}
	if override.BackoffFactor != 0 {
		merged.BackoffFactor = override.BackoffFactor
	}
	if override.MaxInterval != 0 {
		merged.MaxInterval = override.MaxInterval
	}
	return merged
}

// StrategyFor classifies err and resolves its strategy in one step.
func StrategyFor(err error) (ErrorCategory, RetryStrategy) {
	cat := Classify(err)
	return cat, StrategyForCategory(cat)
}
