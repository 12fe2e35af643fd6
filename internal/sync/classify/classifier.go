// Package classify maps raw pipeline errors onto actionable categories and
// retry strategies. Matching is data-driven: an ordered rule table is
// evaluated top to bottom and the first hit wins, so new categories are
// additive rather than another branch in a cascade.
package classify

import (
	"fmt"
	"strings"
)

// ErrorCategory identifies the failure domain of a classified error.
type ErrorCategory string

const (
	NetworkTimeout    ErrorCategory = "NETWORK_TIMEOUT"
	NetworkDNS        ErrorCategory = "NETWORK_DNS"
	NetworkConnection ErrorCategory = "NETWORK_CONNECTION"

	DatabaseTimeout    ErrorCategory = "DATABASE_TIMEOUT"
	DatabaseLock       ErrorCategory = "DATABASE_LOCK"
	DatabaseConstraint ErrorCategory = "DATABASE_CONSTRAINT"

	VectorConnection       ErrorCategory = "VECTOR_CONNECTION"
	VectorCapacity         ErrorCategory = "VECTOR_CAPACITY"
	VectorInvalidDimension ErrorCategory = "VECTOR_INVALID_DIMENSION"

	EmbeddingRateLimit    ErrorCategory = "EMBEDDING_RATE_LIMIT"
	EmbeddingQuota        ErrorCategory = "EMBEDDING_QUOTA"
	EmbeddingInvalidInput ErrorCategory = "EMBEDDING_INVALID_INPUT"
	EmbeddingUnavailable  ErrorCategory = "EMBEDDING_UNAVAILABLE"

	DocumentNotFound  ErrorCategory = "DOCUMENT_NOT_FOUND"
	DocumentCorrupted ErrorCategory = "DOCUMENT_CORRUPTED"
	DocumentTooLarge  ErrorCategory = "DOCUMENT_TOO_LARGE"
	DocumentEmpty     ErrorCategory = "DOCUMENT_EMPTY"

	ResourceMemory ErrorCategory = "RESOURCE_MEMORY"
	ResourceDisk   ErrorCategory = "RESOURCE_DISK"

	Unknown ErrorCategory = "UNKNOWN"
)

// ErrorType drives retry eligibility for a category.
type ErrorType string

const (
	Temporary ErrorType = "TEMPORARY"
	Permanent ErrorType = "PERMANENT"
)

// rule is one entry in the classification table. An error matches when any
// keyword appears (case-insensitive) in its message or its Go type name.
type rule struct {
	category ErrorCategory
	errType  ErrorType
	keywords []string
}

// rules is ordered most-specific first: vector and embedding providers often
// phrase failures in generic network terms, so their rules must win before
// the network fallbacks match.
var rules = []rule{
	{VectorInvalidDimension, Permanent, []string{"vector dimension", "invalid vector", "dimension mismatch"}},
	{VectorCapacity, Temporary, []string{"vector store rate limit", "collection is full", "vector capacity", "too many points", "qdrant: 429"}},
	{VectorConnection, Temporary, []string{"vector store unreachable", "vector store connection", "qdrant"}},

	{EmbeddingInvalidInput, Permanent, []string{"invalid embedding input", "token limit", "context length"}},
	{EmbeddingQuota, Permanent, []string{"quota exceeded", "insufficient_quota", "billing"}},
	{EmbeddingRateLimit, Temporary, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{EmbeddingUnavailable, Temporary, []string{"embedding service unavailable", "model overloaded", "service unavailable", "503"}},

	{DocumentNotFound, Permanent, []string{"document not found", "no such document", "no such file"}},
	{DocumentCorrupted, Permanent, []string{"corrupted", "malformed document", "parse failure"}},
	{DocumentTooLarge, Permanent, []string{"too large", "exceeds maximum size"}},
	{DocumentEmpty, Permanent, []string{"empty document", "document has no content"}},

	{DatabaseConstraint, Permanent, []string{"constraint violation", "duplicate key", "unique constraint", "foreign key"}},
	{DatabaseLock, Temporary, []string{"deadlock", "lock timeout", "could not obtain lock", "database is locked"}},
	{DatabaseTimeout, Temporary, []string{"database timeout", "query timeout", "statement timeout", "pgconn"}},

	{NetworkTimeout, Temporary, []string{"timeout", "timed out", "deadline exceeded"}},
	{NetworkDNS, Temporary, []string{"no such host", "dns", "name resolution"}},
	{NetworkConnection, Temporary, []string{"connection refused", "connection reset", "broken pipe", "eof", "network"}},

	{ResourceMemory, Temporary, []string{"out of memory", "cannot allocate"}},
	{ResourceDisk, Temporary, []string{"no space left", "disk full"}},
}

// categoryTypes lets IsTemporary answer for categories that never appear in
// the rule table (UNKNOWN).
var categoryTypes = func() map[ErrorCategory]ErrorType {
	m := map[ErrorCategory]ErrorType{Unknown: Temporary}
	for _, r := range rules {
		m[r.category] = r.errType
	}
	return m
}()

// Classify maps an error onto a category. Total and deterministic: a nil or
// unmatched error yields Unknown.
func Classify(err error) ErrorCategory {
	if err == nil {
		return Unknown
	}
	haystack := strings.ToLower(err.Error() + " " + fmt.Sprintf("%T", err))
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return r.category
			}
		}
	}
	return Unknown
}

// TypeOf returns the declared TEMPORARY/PERMANENT type of a category.
// Unrecognized categories default to temporary; callers still bound retries
// through the strategy's MaxRetries.
func TypeOf(cat ErrorCategory) ErrorType {
	if t, ok := categoryTypes[cat]; ok {
		return t
	}
	return Temporary
}

// IsTemporary reports whether err is worth retrying at all.
func IsTemporary(err error) bool {
	return TypeOf(Classify(err)) == Temporary
}
