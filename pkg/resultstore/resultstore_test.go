package resultstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/planner"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

func testResultSet(t *testing.T) *ResultSet {
	t.Helper()
	h, err := series.NewHorizon(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2, series.Daily)
	require.NoError(t, err)
	topo := &network.Topology{
		Name: "two-demands",
		Nodes: []network.NodeSpec{
			{ID: "river", Kind: network.KindSource, MaxFlow: network.Const(10)},
			{ID: "a", Kind: network.KindDemand, Priority: 1, MaxFlow: network.Const(7)},
			{ID: "b", Kind: network.KindDemand, Priority: 2, MaxFlow: network.Const(7)},
			{ID: "sea", Kind: network.KindSink},
		},
		Edges: []network.EdgeSpec{
			{From: "river", To: "a"},
			{From: "river", To: "b"},
			{From: "river", To: "sea"},
		},
	}
	plan, m, err := planner.New(allocator.DefaultConfig()).Run(context.Background(), planner.Request{
		Topology: topo,
		Library:  series.Library{},
		Horizon:  h,
		Mode:     cost.Planning,
	})
	require.NoError(t, err)
	return NewResultSet("2b1f0d7e-4a51-4c8e-9f8e-3d2a7f1c0b11", plan, m)
}

func TestNewResultSet(t *testing.T) {
	rs := testResultSet(t)
	assert.Len(t, rs.Rows, 2*4)
	assert.Equal(t, "two-demands", rs.Metadata.Network)
	assert.Equal(t, cost.Planning, rs.Metadata.Mode)

	var b Row
	for _, r := range rs.Rows {
		if r.NodeID == "b" && r.Step == 1 {
			b = r
		}
	}
	assert.InDelta(t, 3, b.Flow, 1e-9)
	assert.InDelta(t, 4, b.Deficit, 1e-9)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), b.Date)
}

func TestFileStore_RoundTrip(t *testing.T) {
	reg := metrics.NewRegistry()
	store, err := NewFileStore(t.TempDir(), reg)
	require.NoError(t, err)

	rs := testResultSet(t)
	rs.Metadata.IncompleteSteps = []int{1}
	rs.Totals.IncompleteSteps = 1
	require.NoError(t, store.Save(context.Background(), rs))

	got, err := store.Load(context.Background(), rs.Metadata.RunID)
	require.NoError(t, err)
	assert.Equal(t, rs.Rows, got.Rows)
	assert.Equal(t, rs.Metadata.RunID, got.Metadata.RunID)
	assert.Equal(t, []int{1}, got.Metadata.IncompleteSteps)
	assert.Equal(t, 1, got.Totals.IncompleteSteps)
	assert.True(t, rs.Metadata.CompletedAt.Equal(got.Metadata.CompletedAt))
	require.Len(t, got.Totals.Categories, len(rs.Totals.Categories))
	for i, c := range rs.Totals.Categories {
		assert.True(t, c.Planned.Equal(got.Totals.Categories[i].Planned))
		assert.True(t, c.SuppliedRate.Equal(got.Totals.Categories[i].SuppliedRate))
	}
	assert.True(t, decimal.NewFromInt(20).Equal(got.Totals.Category("demand").Achieved))
}

func TestFileStore_Errors(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rs := testResultSet(t)
	require.NoError(t, store.Save(context.Background(), rs))

	path := filepath.Join(store.RunDir(rs.Metadata.RunID), RowsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = store.Load(context.Background(), rs.Metadata.RunID)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err = store.Load(context.Background(), rs.Metadata.RunID)
	assert.ErrorIs(t, err, ErrCorrupt)
}

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestMirror_ArchivesRunDir(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	putter := &fakePutter{}

	mirror := NewMirror(store, nil).AddArchiver(NewS3Archiver(putter, "plans", "waterplan", nil))
	rs := testResultSet(t)
	require.NoError(t, mirror.Save(context.Background(), rs))

	id := rs.Metadata.RunID
	assert.Contains(t, putter.objects, "plans/waterplan/"+id+"/"+MetadataFile)
	assert.Contains(t, putter.objects, "plans/waterplan/"+id+"/"+RowsFile)

	got, err := mirror.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, got.Rows, len(rs.Rows))
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, *ResultSet) error { return f.err }
func (f failingStore) Load(context.Context, string) (*ResultSet, error) {
	return nil, f.err
}

func TestMirror_SecondaryFailureKeepsPrimary(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	boom := errors.New("db down")
	archiveErr := errors.New("bucket gone")

	mirror := NewMirror(store, nil).
		AddStore(failingStore{err: boom}).
		AddArchiver(NewS3Archiver(&fakePutter{fail: archiveErr}, "plans", "", nil))

	rs := testResultSet(t)
	err = mirror.Save(context.Background(), rs)
	assert.ErrorIs(t, err, ErrPartialSave)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, archiveErr)

	_, err = store.Load(context.Background(), rs.Metadata.RunID)
	assert.NoError(t, err)
}

func TestPGStore_RoundTrip(t *testing.T) {
	url := os.Getenv("WATERPLAN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WATERPLAN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPGStore(ctx, url, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	rs := testResultSet(t)
	rs.Metadata.IncompleteSteps = []int{0}
	require.NoError(t, store.Save(ctx, rs))
	// Saving again replaces the stored copy.
	require.NoError(t, store.Save(ctx, rs))

	got, err := store.Load(ctx, rs.Metadata.RunID)
	require.NoError(t, err)
	assert.Equal(t, rs.Rows, got.Rows)
	assert.Equal(t, rs.Metadata.Mode, got.Metadata.Mode)
	assert.Equal(t, []int{0}, got.Metadata.IncompleteSteps)
	assert.Equal(t, 1, got.Totals.IncompleteSteps)
	assert.True(t, rs.Totals.DeficitPercent.Equal(got.Totals.DeficitPercent))
	require.Len(t, got.Totals.Categories, len(rs.Totals.Categories))

	_, err = store.Load(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
