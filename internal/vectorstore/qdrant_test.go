package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

type fakeCollections struct {
	pb.CollectionsClient
	exists  bool
	created []*pb.CreateCollection
}

func (f *fakeCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	if f.exists {
		return &pb.GetCollectionInfoResponse{}, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.created = append(f.created, in)
	f.exists = true
	return &pb.CollectionOperationResponse{}, nil
}

type fakePoints struct {
	pb.PointsClient
	upserts []*pb.UpsertPoints
	deletes []*pb.DeletePoints
	err     error
}

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.upserts = append(f.upserts, in)
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.deletes = append(f.deletes, in)
	return &pb.PointsOperationResponse{}, nil
}

func testSnapshot(n int) longterm.Snapshot {
	snap := longterm.Snapshot{
		Generation: uuid.MustParse("7f1c2f0e-3d0b-4f59-9d1a-0c2b5d6e7f80"),
		Dimension:  2,
		Metric:     longterm.MetricL2,
	}
	for i := 0; i < n; i++ {
		snap.Points = append(snap.Points, longterm.Point{
			Fact: memory.Fact{
				ID:        int64(i),
				Text:      "fact",
				Tags:      []string{"pref"},
				Priority:  memory.PriorityHigh,
				CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			},
			Vector: []float32{1, 0},
		})
	}
	return snap
}

func TestMirror_CreatesCollectionAndUpserts(t *testing.T) {
	cols := &fakeCollections{}
	pts := &fakePoints{}
	c := newClient(cols, pts, "", nil)

	require.NoError(t, c.Mirror(context.Background(), testSnapshot(3)))

	require.Len(t, cols.created, 1)
	params := cols.created[0].VectorsConfig.GetParams()
	assert.Equal(t, DefaultCollection, cols.created[0].CollectionName)
	assert.Equal(t, uint64(2), params.Size)
	assert.Equal(t, pb.Distance_Euclid, params.Distance)

	require.Len(t, pts.upserts, 1)
	points := pts.upserts[0].Points
	require.Len(t, points, 3)
	assert.Equal(t, uint64(2), points[2].Id.GetNum())

	require.Len(t, pts.deletes, 1)
	cond := pts.deletes[0].Points.GetFilter().MustNot[0].GetField()
	assert.Equal(t, "generation", cond.Key)
	assert.Equal(t, "7f1c2f0e-3d0b-4f59-9d1a-0c2b5d6e7f80", cond.Match.GetKeyword())
}

func TestMirror_BatchesLargeSnapshots(t *testing.T) {
	pts := &fakePoints{}
	c := newClient(&fakeCollections{exists: true}, pts, "facts", nil)

	require.NoError(t, c.Mirror(context.Background(), testSnapshot(upsertBatch+10)))
	require.Len(t, pts.upserts, 2)
	assert.Len(t, pts.upserts[0].Points, upsertBatch)
	assert.Len(t, pts.upserts[1].Points, 10)
}

func TestMirror_SkipsUnsizedSnapshot(t *testing.T) {
	pts := &fakePoints{}
	c := newClient(&fakeCollections{}, pts, "", nil)
	require.NoError(t, c.Mirror(context.Background(), longterm.Snapshot{}))
	assert.Empty(t, pts.upserts)
}

func TestMirror_UpsertErrorSkipsPrune(t *testing.T) {
	pts := &fakePoints{err: errors.New("unavailable")}
	c := newClient(&fakeCollections{exists: true}, pts, "", nil)

	err := c.Mirror(context.Background(), testSnapshot(1))
	require.Error(t, err)
	assert.Empty(t, pts.deletes)
}

func TestFactPayload(t *testing.T) {
	snap := testSnapshot(1)
	payload := factPayload(snap.Points[0], "gen")

	assert.Equal(t, "fact", payload["text"].GetStringValue())
	assert.Equal(t, "HIGH", payload["priority"].GetStringValue())
	assert.Equal(t, "2025-01-02T03:04:05Z", payload["created_at"].GetStringValue())
	assert.Equal(t, "gen", payload["generation"].GetStringValue())
	tags := payload["tags"].GetListValue().GetValues()
	require.Len(t, tags, 1)
	assert.Equal(t, "pref", tags[0].GetStringValue())
}

func TestDistance(t *testing.T) {
	assert.Equal(t, pb.Distance_Cosine, distance(longterm.MetricCosine))
	assert.Equal(t, pb.Distance_Euclid, distance(longterm.MetricL2))
}
