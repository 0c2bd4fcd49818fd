// Package memory implements the semantic memory store: embedded durable
// facts with session scoping and a retention policy.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/otto-voice/otto/pkg/errors"
)

// Meta carries the metadata attached to a stored fact.
type Meta struct {
	SessionID string `json:"session_id,omitempty"`
	Category  string `json:"category,omitempty"`

	// SupersedesID links a correction to the entry it replaces. Entries are
	// never updated in place.
	SupersedesID string `json:"supersedes_id,omitempty"`
}

// Entry is a durable fact with its embedding and retention metadata.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Meta      Meta      `json:"meta"`
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is zero for indefinite retention.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Scored pairs an entry with its similarity score.
type Scored struct {
	Entry Entry
	Score float32
}

// RetrieveOptions restricts a retrieval.
type RetrieveOptions struct {
	// SessionID limits results to one session. Empty means cross-session.
	SessionID string

	// Category limits results to one metadata category.
	Category string
}

// Store is the semantic memory store. It embeds content through the external
// embedding capability and persists vectors in the configured backend.
// Safe for concurrent use across sessions.
type Store struct {
	vectors    VectorStore
	embedder   Embedder
	collection string
	now        func() time.Time
}

// NewStore creates a semantic memory store over the given backend.
func NewStore(vectors VectorStore, embedder Embedder, collection string) *Store {
	return &Store{
		vectors:    vectors,
		embedder:   embedder,
		collection: collection,
		now:        time.Now,
	}
}

// Init ensures the backing collection exists, probing the embedder once for
// the vector dimension.
func (s *Store) Init(ctx context.Context) error {
	vec, err := s.embedder.Embed(ctx, "dimension probe")
	if err != nil {
		return errors.New(errors.CodeMemoryUnavailable, "embedding capability unavailable", err)
	}
	if err := s.vectors.CreateCollection(ctx, s.collection, uint64(len(vec))); err != nil {
		return errors.New(errors.CodeMemoryUnavailable, "vector backend unavailable", err)
	}
	return nil
}

// Save embeds content and persists it, returning the new entry id. Duplicate
// saves create duplicate entries; deduplication is the caller's concern.
// A zero ttl means indefinite retention.
func (s *Store) Save(ctx context.Context, content string, meta Meta, ttl time.Duration) (string, error) {
	if content == "" {
		return "", errors.Newf(errors.CodeInvalidInput, "content is required")
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", errors.New(errors.CodeMemoryUnavailable, "embedding failed", err)
	}

	now := s.now().UTC()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	id := uuid.NewString()
	point := Point{
		ID:     id,
		Vector: vector,
		Payload: map[string]any{
			"content":       content,
			"session_id":    meta.SessionID,
			"category":      meta.Category,
			"supersedes_id": meta.SupersedesID,
			"created_at":    now.Unix(),
			"expires_at":    expiresAt,
		},
	}

	if err := s.vectors.Upsert(ctx, s.collection, []Point{point}); err != nil {
		return "", errors.New(errors.CodeMemoryUnavailable, "vector upsert failed", err)
	}
	return id, nil
}

// tieOverFetch is how many extra candidates Retrieve asks the backend for
// beyond topK, so equal-score entries straddling the cut are re-ranked here.
const tieOverFetch = 8

// Retrieve embeds the query and returns the topK nearest non-expired entries,
// ordered by descending score; ties break by most recent created_at.
func (s *Store) Retrieve(ctx context.Context, query string, topK int, opts RetrieveOptions) ([]Scored, error) {
	if topK <= 0 {
		topK = 5
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryUnavailable, "query embedding failed", err)
	}

	filter := Filter{
		SessionID:    opts.SessionID,
		Category:     opts.Category,
		NotExpiredAt: s.now().UTC().Unix(),
	}
	// The backend cuts by score alone. Over-fetch so entries tied with the
	// last kept score are still candidates when recency decides the order.
	results, err := s.vectors.Search(ctx, s.collection, vector, topK+tieOverFetch, filter)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryUnavailable, "vector search failed", err)
	}

	scored := make([]Scored, 0, len(results))
	for _, result := range results {
		scored = append(scored, Scored{Entry: entryFromPoint(result.Point), Score: result.Score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.CreatedAt.After(scored[j].Entry.CreatedAt)
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Forget deletes all entries belonging to a session. Used for privacy and
// right-to-erasure requests.
func (s *Store) Forget(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.Newf(errors.CodeInvalidInput, "session id is required")
	}
	if _, err := s.vectors.Delete(ctx, s.collection, Filter{SessionID: sessionID}); err != nil {
		return errors.New(errors.CodeMemoryUnavailable, "vector delete failed", err)
	}
	return nil
}

// CleanupExpired deletes all entries whose retention window has passed and
// returns how many were removed. Intended to run on a periodic external
// trigger; the store does not self-schedule.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	removed, err := s.vectors.Delete(ctx, s.collection, Filter{ExpiredBefore: s.now().UTC().Unix()})
	if err != nil {
		return 0, errors.New(errors.CodeMemoryUnavailable, "expiry cleanup failed", err)
	}
	return removed, nil
}

func entryFromPoint(point Point) Entry {
	entry := Entry{
		ID:        point.ID,
		Embedding: point.Vector,
	}
	if content, ok := point.Payload["content"].(string); ok {
		entry.Content = content
	}
	if sessionID, ok := point.Payload["session_id"].(string); ok {
		entry.Meta.SessionID = sessionID
	}
	if category, ok := point.Payload["category"].(string); ok {
		entry.Meta.Category = category
	}
	if supersedes, ok := point.Payload["supersedes_id"].(string); ok {
		entry.Meta.SupersedesID = supersedes
	}
	if createdAt := payloadInt(point.Payload, "created_at"); createdAt > 0 {
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	}
	if expiresAt := payloadInt(point.Payload, "expires_at"); expiresAt > 0 {
		entry.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}
	return entry
}

func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
