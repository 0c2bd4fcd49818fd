package memory

import (
	"context"
	"math"
	"sort"
	"sync"
)

// InMemoryVectorStore is an in-process VectorStore for development and tests.
// Cosine similarity, linear scan.
type InMemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewInMemoryVectorStore creates an empty in-memory vector store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{collections: make(map[string]map[string]Point)}
}

// CreateCollection implements VectorStore. Creating an existing collection is
// a no-op.
func (s *InMemoryVectorStore) CreateCollection(_ context.Context, name string, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]Point)
	}
	return nil
}

// Upsert implements VectorStore.
func (s *InMemoryVectorStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.collections[collection]
	if !ok {
		bucket = make(map[string]Point)
		s.collections[collection] = bucket
	}
	for _, point := range points {
		bucket[point.ID] = point
	}
	return nil
}

// Search implements VectorStore.
func (s *InMemoryVectorStore) Search(_ context.Context, collection string, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, point := range s.collections[collection] {
		if !matchesFilter(point, filter) {
			continue
		}
		results = append(results, SearchResult{
			ID:    point.ID,
			Score: cosineSimilarity(vector, point.Vector),
			Point: point,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete implements VectorStore.
func (s *InMemoryVectorStore) Delete(_ context.Context, collection string, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.collections[collection]
	var removed int64
	for id, point := range bucket {
		if matchesFilter(point, filter) {
			delete(bucket, id)
			removed++
		}
	}
	return removed, nil
}

func matchesFilter(point Point, filter Filter) bool {
	if filter.SessionID != "" {
		if sessionID, _ := point.Payload["session_id"].(string); sessionID != filter.SessionID {
			return false
		}
	}
	if filter.Category != "" {
		if category, _ := point.Payload["category"].(string); category != filter.Category {
			return false
		}
	}
	expiresAt := payloadInt(point.Payload, "expires_at")
	if filter.NotExpiredAt > 0 && expiresAt > 0 && expiresAt <= filter.NotExpiredAt {
		return false
	}
	if filter.ExpiredBefore > 0 {
		if expiresAt == 0 || expiresAt > filter.ExpiredBefore {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ VectorStore = (*InMemoryVectorStore)(nil)
