package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/docsyncd/docsyncd/internal/core/domain"
)

// Splitter turns a document into chunks. Implementations must be
// deterministic: the same document always yields the same chunks with the
// same ids, which is what lets a resumed job regenerate its chunk set
// instead of persisting intermediate state.
type Splitter interface {
	Split(doc *domain.Document) ([]domain.Chunk, error)
}

// chunkNamespace seeds the derived chunk and point ids.
var chunkNamespace = uuid.MustParse("8f1c9a52-4b6e-4c1d-9e37-5a20d9c4f8b1")

// FixedSizeSplitter splits on a fixed window of runes with overlap between
// neighbors.
type FixedSizeSplitter struct {
	ChunkSize int
	Overlap   int
}

// NewFixedSizeSplitter creates a splitter with sane defaults for zero values.
func NewFixedSizeSplitter(chunkSize, overlap int) *FixedSizeSplitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	return &FixedSizeSplitter{ChunkSize: chunkSize, Overlap: overlap}
}

// Split produces the chunk sequence for doc. Chunk and point ids are
// UUIDv5s derived from the document id and chunk index, so retries upsert
// the same points instead of duplicating them.
func (s *FixedSizeSplitter) Split(doc *domain.Document) ([]domain.Chunk, error) {
	if doc.Content == "" {
		return nil, fmt.Errorf("empty document %s", doc.ID)
	}

	runes := []rune(doc.Content)
	step := s.ChunkSize - s.Overlap

	var chunks []domain.Chunk
	for start, idx := 0, 0; start < len(runes); start, idx = start+step, idx+1 {
		end := min(start+s.ChunkSize, len(runes))
		chunks = append(chunks, domain.Chunk{
			ID:           uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "chunk:%s:%d", doc.ID, idx)).String(),
			DocID:        doc.ID,
			CollectionID: doc.CollectionID,
			Index:        idx,
			Content:      string(runes[start:end]),
			PointID:      uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "point:%s:%d", doc.ID, idx)).String(),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
