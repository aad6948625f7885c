package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantBackend keeps memories as points in one Qdrant collection, one
// payload field per attribute, filtered by agent_id on search.
type QdrantBackend struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	embedder    Embedder
}

func NewQdrantBackend(ctx context.Context, addr, collection string, embedder Embedder) (*QdrantBackend, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	b := &QdrantBackend{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		embedder:    embedder,
	}
	if err := b.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	resp, err := b.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: b.collection})
	if err != nil {
		return fmt.Errorf("qdrant collection exists %s: %w", b.collection, err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = b.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(b.embedder.Dimensions()),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", b.collection, err)
	}
	return nil
}

func (b *QdrantBackend) Add(ctx context.Context, agentID, text string, meta map[string]any) error {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	payload := map[string]*pb.Value{
		"agent_id": {Kind: &pb.Value_StringValue{StringValue: agentID}},
		"text":     {Kind: &pb.Value_StringValue{StringValue: text}},
		"at":       {Kind: &pb.Value_IntegerValue{IntegerValue: time.Now().Unix()}},
	}
	for k, v := range meta {
		if pv := toValue(v); pv != nil {
			payload[k] = pv
		}
	}
	_, err = b.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: b.collection,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewString()}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (b *QdrantBackend) Search(ctx context.Context, agentID, query string, limit int) ([]Memory, error) {
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	resp, err := b.points.Search(ctx, &pb.SearchPoints{
		CollectionName: b.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		Filter: &pb.Filter{Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   "agent_id",
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: agentID}},
			}},
		}}},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	out := make([]Memory, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		m := Memory{ID: r.GetId().GetUuid(), AgentID: agentID, Score: r.GetScore(), Meta: map[string]any{}}
		for k, v := range r.GetPayload() {
			switch k {
			case "text":
				m.Text = v.GetStringValue()
			case "agent_id":
			case "at":
				m.At = time.Unix(v.GetIntegerValue(), 0).UTC()
			default:
				m.Meta[k] = fromValue(v)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *QdrantBackend) Close() error {
	return b.conn.Close()
}

func toValue(v any) *pb.Value {
	switch val := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
	case uint64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	default:
		return nil
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}
