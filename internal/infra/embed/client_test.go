package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newEmbedServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		var resp embeddingResponse
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 0.5}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbed_Single(t *testing.T) {
	srv := newEmbedServer(t, nil)
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 2 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbedBatch_SplitsIntoProviderBatches(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, &calls)
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, BatchSize: 2})
	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, v := range vecs {
		if v == nil {
			t.Errorf("vector %d missing", i)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 provider calls for 5 texts at batch size 2, got %d", got)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	c := NewClient(Config{URL: "http://unused"})
	vecs, err := c.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input must be a nil/nil no-op, got %v, %v", vecs, err)
	}
}

func TestEmbed_SurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	_, err := c.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("error must keep provider text for classification: %v", err)
	}
}

func TestEmbed_CountMismatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{})
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error when provider returns wrong vector count")
	}
}
