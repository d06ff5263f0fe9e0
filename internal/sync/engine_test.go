package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/capability"
	"github.com/karelmaki/fotosync/internal/connectivity"
	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/queue"
	"github.com/karelmaki/fotosync/internal/remote"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeDocs is an in-memory DocumentStore recording write order and failing
// on demand per document.
type fakeDocs struct {
	mu     stdsync.Mutex
	docs   map[string]json.RawMessage
	errFor map[string]error // key -> error returned for every write
	once   map[string]error // key -> error returned exactly once
	writes []string         // "op collection/doc payload" in arrival order
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:   make(map[string]json.RawMessage),
		errFor: make(map[string]error),
		once:   make(map[string]error),
	}
}

func key(collection, docID string) string { return collection + "/" + docID }

func (f *fakeDocs) failWith(collection, docID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errFor[key(collection, docID)] = err
}

func (f *fakeDocs) failOnce(collection, docID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[key(collection, docID)] = err
}

func (f *fakeDocs) checkErr(k string) error {
	if err, ok := f.once[k]; ok {
		delete(f.once, k)
		return err
	}

	return f.errFor[k]
}

func (f *fakeDocs) write(op, collection, docID string, data json.RawMessage) (*remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(collection, docID)
	if err := f.checkErr(k); err != nil {
		return nil, err
	}

	f.docs[k] = data
	f.writes = append(f.writes, fmt.Sprintf("%s %s %s", op, k, string(data)))

	return &remote.Document{Collection: collection, ID: docID, Data: data, UpdatedAt: time.Now()}, nil
}

func (f *fakeDocs) Get(_ context.Context, collection, docID string) (*remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.docs[key(collection, docID)]
	if !ok {
		return nil, &remote.APIError{StatusCode: http.StatusNotFound, Err: remote.ErrNotFound}
	}

	return &remote.Document{Collection: collection, ID: docID, Data: data}, nil
}

func (f *fakeDocs) Set(ctx context.Context, collection, docID string, data json.RawMessage) (*remote.Document, error) {
	return f.write("set", collection, docID, data)
}

func (f *fakeDocs) Update(ctx context.Context, collection, docID string, data json.RawMessage) (*remote.Document, error) {
	return f.write("update", collection, docID, data)
}

func (f *fakeDocs) Delete(_ context.Context, collection, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(collection, docID)
	if err := f.checkErr(k); err != nil {
		return err
	}

	delete(f.docs, k)
	f.writes = append(f.writes, "delete "+k)

	return nil
}

func (f *fakeDocs) Subscribe(ctx context.Context, collection string) (<-chan []remote.Document, error) {
	ch := make(chan []remote.Document)
	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch, nil
}

func (f *fakeDocs) value(collection, docID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return string(f.docs[key(collection, docID)])
}

type fixture struct {
	engine *Engine
	queue  *queue.Store
	cache  *cache.Store
	docs   *fakeDocs
	conn   *connectivity.Monitor
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger(t)

	q, err := queue.NewStore(":memory:", queue.DefaultRetryCeiling, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	c, err := cache.NewStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	docs := newFakeDocs()
	conn := connectivity.NewMonitor(nil, logger)
	conn.SetStatus(connectivity.Status{Online: true, ConnectionType: connectivity.ConnectionWifi})

	caps := capability.NewMonitor(nil, logger, capability.WithCPUCores(4))
	bus := events.NewBus(logger)

	return &fixture{
		engine: NewEngine(q, c, docs, conn, caps, bus, logger),
		queue:  q,
		cache:  c,
		docs:   docs,
		conn:   conn,
		bus:    bus,
	}
}

func transientErr() error {
	return &remote.APIError{StatusCode: http.StatusServiceUnavailable, Err: remote.ErrUnavailable}
}

func permanentErr() error {
	return &remote.APIError{StatusCode: http.StatusUnprocessableEntity, Err: remote.ErrInvalid}
}

func TestRunSync_AppliesPendingAndUpdatesCache(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{"name":"Maija"}`))
	require.NoError(t, err)

	result := fx.engine.RunSync(ctx)

	assert.Equal(t, 1, result.Applied)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.StillPending)

	assert.JSONEq(t, `{"name":"Maija"}`, fx.docs.value("actors", "a1"))

	cached, err := fx.cache.GetDocument(ctx, "actors", "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Maija"}`, string(cached))

	n, err := fx.queue.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunSync_OfflineShortCircuits(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	fx.conn.SetStatus(connectivity.Status{Online: false, ConnectionType: connectivity.ConnectionNone})

	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)

	result := fx.engine.RunSync(ctx)

	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.StillPending)
	assert.Empty(t, fx.docs.writes)
}

func TestRunSync_SameDocumentReplaysInOrder(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	// Scenario: two offline edits to the same document; the remote must
	// end up with the second value.
	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	_, err = fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"name":"B"}`))
	require.NoError(t, err)

	result := fx.engine.RunSync(ctx)

	assert.Equal(t, 2, result.Applied)
	assert.JSONEq(t, `{"name":"B"}`, fx.docs.value("actors", "a1"))

	require.Len(t, fx.docs.writes, 2)
	assert.Contains(t, fx.docs.writes[0], `{"name":"A"}`)
	assert.Contains(t, fx.docs.writes[1], `{"name":"B"}`)
}

func TestRunSync_TransientFailureSchedulesRetryAndBlocksLaterWrites(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	id1, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	fx.docs.failWith("actors", "a1", transientErr())

	result := fx.engine.RunSync(ctx)

	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.StillPending)

	m, err := fx.queue.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, queue.StatePending, m.State)
	assert.Greater(t, m.NextAttemptAt, int64(0))
}

func TestRunSync_PermanentFailureDeadLettersAndContinues(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	id1, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"bad":true}`))
	require.NoError(t, err)
	_, err = fx.queue.Enqueue(ctx, "actors", "a1", queue.OpUpdate, json.RawMessage(`{"good":true}`))
	require.NoError(t, err)

	fx.docs.failOnce("actors", "a1", permanentErr())

	result := fx.engine.RunSync(ctx)

	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.StillPending)

	// The rejected write is kept for inspection, the later one landed.
	m, err := fx.queue.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDead, m.State)

	assert.JSONEq(t, `{"good":true}`, fx.docs.value("actors", "a1"))
}

func TestRunSync_AccountsForEveryPendingMutation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.queue.Enqueue(ctx, "actors", "ok", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = fx.queue.Enqueue(ctx, "actors", "rejected", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = fx.queue.Enqueue(ctx, "actors", "flaky", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)

	fx.docs.failWith("actors", "rejected", permanentErr())
	fx.docs.failWith("actors", "flaky", transientErr())

	result := fx.engine.RunSync(ctx)

	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.StillPending) // only the flaky one retries
}

func TestRunSync_SecondCallWithNothingPendingIsEmpty(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)

	first := fx.engine.RunSync(ctx)
	assert.Equal(t, 1, first.Applied)

	second := fx.engine.RunSync(ctx)
	assert.True(t, second.Empty())
}

func TestRunSync_SkipsMutationsInBackoffWindow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, fx.queue.IncrementRetry(ctx, id, "flaky network"))

	result := fx.engine.RunSync(ctx)

	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.StillPending)
	assert.Empty(t, fx.docs.writes)
}

func TestRunSync_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	var kinds []events.Kind

	var mu stdsync.Mutex

	fx.bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{}`))
	require.NoError(t, err)

	fx.engine.RunSync(ctx)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindSyncStarted, kinds[0])
	assert.Contains(t, kinds, events.KindMutationApplied)
	assert.Equal(t, events.KindSyncFinished, kinds[len(kinds)-1])
}

func TestRun_SyncsOnReconnect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.conn.SetStatus(connectivity.Status{Online: false, ConnectionType: connectivity.ConnectionNone})

	_, err := fx.queue.Enqueue(ctx, "actors", "a1", queue.OpSet, json.RawMessage(`{"name":"Maija"}`))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		fx.engine.Run(ctx)
		close(done)
	}()

	// Let the runner install its subscription and run its initial
	// (offline, no-op) pass.
	time.Sleep(50 * time.Millisecond)

	fx.conn.SetStatus(connectivity.Status{Online: true, ConnectionType: connectivity.ConnectionWifi})

	require.Eventually(t, func() bool {
		n, countErr := fx.queue.CountPending(ctx)
		return countErr == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "queue should drain after reconnect")

	assert.JSONEq(t, `{"name":"Maija"}`, fx.docs.value("actors", "a1"))

	cancel()
	<-done
}
