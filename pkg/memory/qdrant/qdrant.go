// Package qdrant implements the memory.VectorStore interface against a
// Qdrant instance over gRPC.
package qdrant

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/otto-voice/otto/pkg/memory"
)

// Store is a Qdrant-backed vector store.
type Store struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// New connects to a Qdrant instance at addr (host:port, gRPC).
func New(addr string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Store{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// CreateCollection implements memory.VectorStore. An already-existing
// collection is detected with a probe search and tolerated.
func (s *Store) CreateCollection(ctx context.Context, name string, vectorSize uint64) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		probe := make([]float32, vectorSize)
		if _, searchErr := s.Search(ctx, name, probe, 1, memory.Filter{}); searchErr == nil {
			return nil
		}
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

// Upsert implements memory.VectorStore.
func (s *Store) Upsert(ctx context.Context, collection string, points []memory.Point) error {
	qPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		qPoints[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Vector},
				},
			},
			Payload: toQdrantPayload(p.Payload),
		}
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         qPoints,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// Search implements memory.VectorStore.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int, filter memory.Filter) ([]memory.SearchResult, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         toQdrantFilter(filter),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	results := make([]memory.SearchResult, len(resp.Result))
	for i, r := range resp.Result {
		results[i] = memory.SearchResult{
			ID:    r.Id.GetUuid(),
			Score: r.Score,
			Point: memory.Point{
				ID:      r.Id.GetUuid(),
				Payload: fromQdrantPayload(r.Payload),
			},
		}
	}
	return results, nil
}

// Delete implements memory.VectorStore. Qdrant's delete API does not report
// how many points matched, so the matching set is counted first.
func (s *Store) Delete(ctx context.Context, collection string, filter memory.Filter) (int64, error) {
	qFilter := toQdrantFilter(filter)

	exact := true
	countResp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         qFilter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	matched := int64(countResp.GetResult().GetCount())
	if matched == 0 {
		return 0, nil
	}

	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: qFilter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant delete: %w", err)
	}
	return matched, nil
}

func toQdrantFilter(filter memory.Filter) *pb.Filter {
	var must []*pb.Condition
	if filter.SessionID != "" {
		must = append(must, keywordCondition("session_id", filter.SessionID))
	}
	if filter.Category != "" {
		must = append(must, keywordCondition("category", filter.Category))
	}

	var should []*pb.Condition
	if filter.NotExpiredAt > 0 {
		// Non-expired: indefinite retention (expires_at = 0) or still in the
		// future.
		gt := float64(filter.NotExpiredAt)
		should = append(should,
			integerCondition("expires_at", 0),
			rangeCondition("expires_at", &pb.Range{Gt: &gt}),
		)
	}
	if filter.ExpiredBefore > 0 {
		gt := float64(0)
		lte := float64(filter.ExpiredBefore)
		must = append(must,
			rangeCondition("expires_at", &pb.Range{Gt: &gt, Lte: &lte}),
		)
	}

	if len(must) == 0 && len(should) == 0 {
		return nil
	}
	return &pb.Filter{Must: must, Should: should}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func integerCondition(key string, value int64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Integer{Integer: value},
				},
			},
		},
	}
}

func rangeCondition(key string, r *pb.Range) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Range: r,
			},
		},
	}
}

func toQdrantPayload(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
		}
	}
	return out
}

func fromQdrantPayload(payload map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}

var _ memory.VectorStore = (*Store)(nil)
