package vectorstore

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/nuka-memory/internal/longterm"
)

const (
	DefaultCollection = "agent_facts"
	upsertBatch       = 256
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

// Enabled reports whether a host was configured.
func (c QdrantConfig) Enabled() bool { return c.Host != "" }

// Client mirrors saved long-term snapshots into a Qdrant collection, so
// other services can query agent facts without reading the snapshot files.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	logger      *zap.Logger
}

var _ longterm.Mirror = (*Client)(nil)

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig, logger *zap.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	c := newClient(pb.NewCollectionsClient(conn), pb.NewPointsClient(conn), cfg.Collection, logger)
	c.conn = conn
	return c, nil
}

func newClient(collections pb.CollectionsClient, points pb.PointsClient, collection string, logger *zap.Logger) *Client {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		collections: collections,
		points:      points,
		collection:  collection,
		logger:      logger,
	}
}

// EnsureCollection creates the collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, dimension uint64, metric longterm.Metric) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: c.collection})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: distance(metric),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.collection, err)
	}
	c.logger.Info("created qdrant collection",
		zap.String("collection", c.collection),
		zap.Uint64("dimension", dimension))
	return nil
}

// Mirror implements longterm.Mirror. Every point is tagged with the
// snapshot generation; points left over from older generations (deleted
// facts) are removed afterwards.
func (c *Client) Mirror(ctx context.Context, snap longterm.Snapshot) error {
	if snap.Dimension == 0 {
		return nil
	}
	if err := c.EnsureCollection(ctx, uint64(snap.Dimension), snap.Metric); err != nil {
		return err
	}

	generation := snap.Generation.String()
	wait := true
	points := toPoints(snap.Points, generation)
	for start := 0; start < len(points); start += upsertBatch {
		end := min(start+upsertBatch, len(points))
		_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: c.collection,
			Wait:           &wait,
			Points:         points[start:end],
		})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", c.collection, err)
		}
	}

	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					MustNot: []*pb.Condition{keywordCondition("generation", generation)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("prune %s: %w", c.collection, err)
	}

	c.logger.Info("mirrored snapshot to qdrant",
		zap.String("collection", c.collection),
		zap.Int("points", len(points)),
		zap.String("generation", generation))
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func distance(m longterm.Metric) pb.Distance {
	if m == longterm.MetricCosine {
		return pb.Distance_Cosine
	}
	return pb.Distance_Euclid
}

func toPoints(points []longterm.Point, generation string) []*pb.PointStruct {
	out := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		out[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(p.Fact.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: factPayload(p, generation),
		}
	}
	return out
}

func factPayload(p longterm.Point, generation string) map[string]*pb.Value {
	tags := make([]*pb.Value, len(p.Fact.Tags))
	for i, t := range p.Fact.Tags {
		tags[i] = stringValue(t)
	}
	return map[string]*pb.Value{
		"text":         stringValue(p.Fact.Text),
		"user_id":      stringValue(p.Fact.UserID),
		"priority":     stringValue(p.Fact.Priority.String()),
		"created_at":   stringValue(p.Fact.CreatedAt.UTC().Format(time.RFC3339Nano)),
		"access_count": {Kind: &pb.Value_IntegerValue{IntegerValue: p.Fact.AccessCount}},
		"tags":         {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: tags}}},
		"generation":   stringValue(generation),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
