package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/capability"
	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/queue"
	"github.com/karelmaki/fotosync/internal/remote"
	"github.com/karelmaki/fotosync/internal/throttle"
)

// fixedBattery reports one unchanging reading.
type fixedBattery struct {
	reading capability.BatteryReading
}

func (b *fixedBattery) Read() (capability.BatteryReading, error) { return b.reading, nil }

func testThrottler() *throttle.Throttler {
	battery := &fixedBattery{reading: capability.BatteryReading{Level: 0.9}}

	return throttle.New(capability.NewMonitor(battery, quietLogger()))
}

func testCache(t *testing.T) *cache.Store {
	t.Helper()

	c, err := cache.NewStore(filepath.Join(t.TempDir(), "cache.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestResolvePendingUploads(t *testing.T) {
	ctx := context.Background()

	var (
		mu      sync.Mutex
		blobs   []string
		setDocs map[string]json.RawMessage
	)

	setDocs = make(map[string]json.RawMessage)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/blobs/"):
			blobs = append(blobs, r.URL.Path)

			_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.test/x.jpg"})
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/documents/"):
			body, _ := io.ReadAll(r.Body)
			docID := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			setDocs[docID] = body

			_ = json.NewEncoder(w).Encode(map[string]any{
				"collection": photosCollection,
				"id":         docID,
				"data":       json.RawMessage(body),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testCache(t)

	local := filepath.Join(t.TempDir(), "x.jpg")
	require.NoError(t, os.WriteFile(local, []byte("jpeg bytes"), 0o600))

	pendingRec, err := json.Marshal(photoRecord{
		Name:          "x.jpg",
		LocalPath:     local,
		SizeBytes:     10,
		ContentType:   "image/jpeg",
		PendingUpload: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, photosCollection, "x.jpg", pendingRec))

	// Already-uploaded records are left alone.
	doneRec, err := json.Marshal(photoRecord{
		Name:        "y.jpg",
		URL:         "https://cdn.example.test/y.jpg",
		SizeBytes:   3,
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, photosCollection, "y.jpg", doneRec))

	a := &app{
		logger:    quietLogger(),
		cache:     c,
		client:    remote.NewClient(srv.URL, srv.Client(), nil, quietLogger()),
		throttler: testThrottler(),
	}

	n, err := resolvePendingUploads(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	assert.Len(t, blobs, 1)
	require.Contains(t, setDocs, "x.jpg")
	mu.Unlock()

	// The cached record no longer carries the pending flag or local path.
	data, err := c.GetDocument(ctx, photosCollection, "x.jpg")
	require.NoError(t, err)
	require.NotNil(t, data)

	var rec photoRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.False(t, rec.PendingUpload)
	assert.Empty(t, rec.LocalPath)
	assert.Equal(t, "https://cdn.example.test/x.jpg", rec.URL)
}

func TestResolvePendingUploads_MissingLocalFileIsSkipped(t *testing.T) {
	ctx := context.Background()

	c := testCache(t)

	rec, err := json.Marshal(photoRecord{
		Name:          "gone.jpg",
		LocalPath:     filepath.Join(t.TempDir(), "gone.jpg"),
		PendingUpload: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, photosCollection, "gone.jpg", rec))

	a := &app{
		logger:    quietLogger(),
		cache:     c,
		client:    remote.NewClient("http://127.0.0.1:0", nil, nil, quietLogger()),
		throttler: testThrottler(),
	}

	n, err := resolvePendingUploads(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The record stays pending for a later pass.
	data, err := c.GetDocument(ctx, photosCollection, "gone.jpg")
	require.NoError(t, err)

	var got photoRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, got.PendingUpload)
}

func TestQueuePhotoRecords_CachesProvisionalRecord(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	q, err := queue.NewStore(":memory:", 0, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	c := testCache(t)

	local := filepath.Join(t.TempDir(), "offline.jpg")
	require.NoError(t, os.WriteFile(local, []byte("bytes"), 0o600))

	a := &app{
		logger: logger,
		bus:    events.NewBus(logger),
		queue:  q,
		cache:  c,
	}

	require.NoError(t, queuePhotoRecords(ctx, a, []string{local}))

	muts, err := q.PendingFor(ctx, photosCollection, "offline.jpg")
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, queue.OpSet, muts[0].Op)

	data, err := c.GetDocument(ctx, photosCollection, "offline.jpg")
	require.NoError(t, err)
	require.NotNil(t, data)

	var rec photoRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.True(t, rec.PendingUpload)
	assert.Equal(t, local, rec.LocalPath)
}
