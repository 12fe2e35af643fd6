package domain

import "time"

// Collection groups documents that share one vector namespace.
type Collection struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Document is one ingested source file or text body.
type Document struct {
	ID           string    `json:"id" db:"id"`
	CollectionID string    `json:"collection_id" db:"collection_id"`
	Name         string    `json:"name" db:"name"`
	Content      string    `json:"content" db:"content"`
	ContentType  string    `json:"content_type" db:"content_type"`
	SizeBytes    int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Chunk is one splitter output. PointID is the stable key of the chunk's
// vector in the vector store; upserts and deletes key on it, which is what
// makes vector writes idempotent across retries.
type Chunk struct {
	ID           string    `json:"id" db:"id"`
	DocID        string    `json:"doc_id" db:"doc_id"`
	CollectionID string    `json:"collection_id" db:"collection_id"`
	Index        int       `json:"chunk_index" db:"chunk_index"`
	Content      string    `json:"content" db:"content"`
	PointID      string    `json:"point_id" db:"point_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
