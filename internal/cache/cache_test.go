package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "actors", "a1", json.RawMessage(`{"name":"Maija"}`)))

	data, err := s.GetDocument(ctx, "actors", "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Maija"}`, string(data))

	snap, err := s.GetSnapshot(ctx, "actors")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Documents, 1)
	assert.False(t, s.Stale(snap))
}

func TestStore_MissReturnsNilNil(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	data, err := s.GetDocument(ctx, "actors", "nope")
	require.NoError(t, err)
	assert.Nil(t, data)

	snap, err := s.GetSnapshot(ctx, "empty-collection")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStore_LRUEvictsAtCap(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t), WithMaxDocuments(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("d%d", i)
		require.NoError(t, s.Put(ctx, "photos", id, json.RawMessage(`{}`)))
	}

	// Oldest document was evicted from both tiers.
	data, err := s.GetDocument(ctx, "photos", "d0")
	require.NoError(t, err)
	assert.Nil(t, data)

	snap, err := s.GetSnapshot(ctx, "photos")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Documents, 3)
	assert.NotContains(t, snap.Documents, "d0")
}

func TestStore_TouchRefreshesRecency(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t), WithMaxDocuments(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "photos", "old", json.RawMessage(`{}`)))
	require.NoError(t, s.Put(ctx, "photos", "mid", json.RawMessage(`{}`)))

	// Reading "old" makes "mid" the LRU victim.
	_, err = s.GetDocument(ctx, "photos", "old")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "photos", "new", json.RawMessage(`{}`)))

	data, err := s.GetDocument(ctx, "photos", "old")
	require.NoError(t, err)
	assert.NotNil(t, data)

	data, err = s.GetDocument(ctx, "photos", "mid")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := NewStore(dbPath, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "actors", "a1", json.RawMessage(`{"v":1}`)))
	require.NoError(t, s.Close())

	s2, err := NewStore(dbPath, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	data, err := s2.GetDocument(ctx, "actors", "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
}

func TestStore_StaleThreshold(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t), WithFreshness(15*time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	base := time.Now()
	s.nowFunc = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, "actors", "a1", json.RawMessage(`{}`)))

	snap, err := s.GetSnapshot(ctx, "actors")
	require.NoError(t, err)
	assert.False(t, s.Stale(snap))

	s.nowFunc = func() time.Time { return base.Add(16 * time.Minute) }
	assert.True(t, s.Stale(snap))

	assert.True(t, s.Stale(nil))
}

func TestStore_LastWriteWinsOnDisk(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	base := time.Now()
	s.nowFunc = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, s.Put(ctx, "actors", "a1", json.RawMessage(`{"v":"newer"}`)))

	// A write stamped earlier must not clobber the newer row on disk.
	s.nowFunc = func() time.Time { return base }
	require.NoError(t, s.Put(ctx, "actors", "a1", json.RawMessage(`{"v":"older"}`)))

	var data []byte
	var fetchedNS int64
	require.NoError(t, s.get.QueryRowContext(ctx, "actors", "a1").Scan(&data, &fetchedNS))
	assert.JSONEq(t, `{"v":"newer"}`, string(data))
}

func TestStore_ConcurrentPutAndGet(t *testing.T) {
	t.Parallel()

	s, err := NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			docID := fmt.Sprintf("p%d", i)

			if err := s.Put(ctx, "photos", docID, json.RawMessage(`{"n":1}`)); err != nil {
				return err
			}

			data, err := s.GetDocument(ctx, "photos", docID)
			if err != nil {
				return err
			}

			if data == nil {
				return fmt.Errorf("document %s missing right after put", docID)
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())

	snap, err := s.GetSnapshot(context.Background(), "photos")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Documents, 16)
}
