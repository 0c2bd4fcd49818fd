package memory

import "context"

// Embedder converts text into a fixed-dimension vector. The concrete
// embedding capability lives outside the core.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Point represents a data point in the vector store.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// SearchResult represents a scored hit from a vector search.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Point Point   `json:"point"`
}

// Filter restricts searches and deletes by payload attributes. Zero values
// mean "no restriction".
type Filter struct {
	// SessionID limits matches to one session's entries.
	SessionID string

	// Category limits matches to one metadata category.
	Category string

	// NotExpiredAt excludes entries whose expires_at payload is non-zero and
	// at or before this unix timestamp.
	NotExpiredAt int64

	// ExpiredBefore matches only entries whose expires_at payload is non-zero
	// and at or before this unix timestamp. Used by retention cleanup.
	ExpiredBefore int64
}

// VectorStore defines the interface for a vector database backend.
type VectorStore interface {
	// CreateCollection creates a collection if it doesn't exist.
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error

	// Upsert adds or updates points in the collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the nearest points to vector, restricted by filter,
	// ordered by descending similarity.
	Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]SearchResult, error)

	// Delete removes all points matching the filter and returns how many
	// were removed.
	Delete(ctx context.Context, collection string, filter Filter) (int64, error)
}
