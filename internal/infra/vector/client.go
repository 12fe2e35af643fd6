// Package vector talks to the vector store over its REST API. The client is
// deliberately thin: it surfaces the store's error text verbatim so the
// error classifier can route 429s and connection failures correctly.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds vector store connection configuration.
type Config struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Point is one vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Store is the vector store surface the pipeline depends on.
type Store interface {
	Upsert(ctx context.Context, point Point) error
	UpsertBatch(ctx context.Context, points []Point) error
	Delete(ctx context.Context, pointID string) error
	DeleteByDoc(ctx context.Context, docID string) error
	DeleteByCollection(ctx context.Context, collectionID string) error
	Health(ctx context.Context) error
}

// Client is a qdrant-style REST client.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a vector store client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// Upsert writes a single point.
func (c *Client) Upsert(ctx context.Context, point Point) error {
	return c.UpsertBatch(ctx, []Point{point})
}

// UpsertBatch writes points in one request.
func (c *Client) UpsertBatch(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.cfg.Collection)
	body := map[string]any{"points": points}
	if err := c.do(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("vector upsert of %d points failed: %w", len(points), err)
	}
	return nil
}

// Delete removes a single point by id.
func (c *Client) Delete(ctx context.Context, pointID string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.cfg.Collection)
	body := map[string]any{"points": []string{pointID}}
	if err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("vector delete of point %s failed: %w", pointID, err)
	}
	return nil
}

// DeleteByDoc removes every point whose payload references the document.
func (c *Client) DeleteByDoc(ctx context.Context, docID string) error {
	return c.deleteByFilter(ctx, "document_id", docID)
}

// DeleteByCollection removes every point whose payload references the
// logical collection.
func (c *Client) DeleteByCollection(ctx context.Context, collectionID string) error {
	return c.deleteByFilter(ctx, "collection_id", collectionID)
}

func (c *Client) deleteByFilter(ctx context.Context, key, value string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.cfg.Collection)
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": key, "match": map[string]any{"value": value}},
			},
		},
	}
	if err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("vector delete by %s=%s failed: %w", key, value, err)
	}
	return nil
}

// Health checks the store is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector store unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// The classifier keys off this text, keep the status and body in it.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
