package classify

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{errors.New("dial tcp: i/o timeout"), NetworkTimeout},
		{errors.New("lookup api.embeddings.example: no such host"), NetworkDNS},
		{errors.New("read: connection reset by peer"), NetworkConnection},
		{errors.New("pq: deadlock detected"), DatabaseLock},
		{errors.New("ERROR: duplicate key value violates unique constraint"), DatabaseConstraint},
		{errors.New("canceling statement due to statement timeout"), DatabaseTimeout},
		{errors.New("qdrant: 429 too many points in queue"), VectorCapacity},
		{errors.New("qdrant: bad gateway"), VectorConnection},
		{errors.New("wrong input: vector dimension error: expected 1536, got 768"), VectorInvalidDimension},
		{errors.New("openai: 429 rate limit exceeded"), EmbeddingRateLimit},
		{errors.New("openai: insufficient_quota"), EmbeddingQuota},
		{errors.New("input exceeds model context length"), EmbeddingInvalidInput},
		{errors.New("503 service unavailable"), EmbeddingUnavailable},
		{errors.New("document not found: doc-42"), DocumentNotFound},
		{errors.New("pdf is corrupted"), DocumentCorrupted},
		{errors.New("payload too large"), DocumentTooLarge},
		{errors.New("empty document body"), DocumentEmpty},
		{errors.New("runtime: out of memory"), ResourceMemory},
		{errors.New("write /tmp/x: no space left on device"), ResourceDisk},
		{errors.New("something completely different"), Unknown},
		{nil, Unknown},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	err := errors.New("connection refused while fetching embeddings: rate limit")
	first := Classify(err)
	for i := 0; i < 50; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("classification not deterministic: %s then %s", first, got)
		}
	}
}

func TestClassify_MatchesTypeName(t *testing.T) {
	// Matching inspects the Go type name as well as the message.
	err := &timeoutError{}
	if got := Classify(err); got != NetworkTimeout {
		t.Errorf("expected type-name match to NETWORK_TIMEOUT, got %s", got)
	}
}

type timeoutError struct{}

func (*timeoutError) Error() string { return "operation gave up" }

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(errors.New("dial tcp: i/o timeout")) {
		t.Error("network timeout should be temporary")
	}
	if IsTemporary(errors.New("duplicate key value violates unique constraint")) {
		t.Error("constraint violation should be permanent")
	}
	// UNKNOWN defaults to temporary; the capped strategy bounds it.
	if !IsTemporary(errors.New("gremlins")) {
		t.Error("unknown errors default to temporary")
	}
}

func TestStrategyForCategory_MergesOverDefault(t *testing.T) {
	s := StrategyForCategory(EmbeddingRateLimit)
	if s.MaxRetries != 5 {
		t.Errorf("expected override MaxRetries=5, got %d", s.MaxRetries)
	}
	if s.BackoffFactor != DefaultStrategy.BackoffFactor {
		t.Errorf("expected inherited backoff factor %v, got %v", DefaultStrategy.BackoffFactor, s.BackoffFactor)
	}
	if s.InitialDelay != 5*time.Second {
		t.Errorf("expected override initial delay 5s, got %v", s.InitialDelay)
	}

	// A category with no override uses the default unmodified.
	if got := StrategyForCategory(DocumentNotFound); got != DefaultStrategy {
		t.Errorf("expected default strategy, got %+v", got)
	}
}

func TestStrategyFor(t *testing.T) {
	cat, s := StrategyFor(fmt.Errorf("embed chunk: %w", errors.New("429 rate limit exceeded")))
	if cat != EmbeddingRateLimit {
		t.Fatalf("expected EMBEDDING_RATE_LIMIT, got %s", cat)
	}
	if s.Name != "embedding_rate_limit" {
		t.Errorf("unexpected strategy name %q", s.Name)
	}
}
