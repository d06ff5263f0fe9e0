// Package sync replays the local durable queue against the remote document
// store. The engine never fails a whole run because one mutation failed:
// each mutation lands in exactly one of applied, retry-scheduled, or
// dead-letter, and the caller gets the accounting, not an error.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/capability"
	"github.com/karelmaki/fotosync/internal/connectivity"
	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/queue"
	"github.com/karelmaki/fotosync/internal/remote"
	"github.com/karelmaki/fotosync/internal/throttle"
)

// Result is the accounting of one RunSync pass. Every mutation that was
// pending when the pass started is counted exactly once.
type Result struct {
	Applied      int // confirmed remote, removed from the queue
	Failed       int // failed this pass (retry scheduled or dead-lettered)
	Skipped      int // not attempted: backoff window or ordered behind a failure
	StillPending int // pending after the pass (Failed retries + Skipped)
}

// Empty reports whether the pass did no work.
func (r Result) Empty() bool {
	return r.Applied == 0 && r.Failed == 0 && r.Skipped == 0 && r.StillPending == 0
}

// Engine replays queued mutations. All collaborators are injected; the
// engine holds no global state.
type Engine struct {
	queue  *queue.Store
	cache  *cache.Store
	docs   remote.DocumentStore
	conn   *connectivity.Monitor
	caps   *capability.Monitor
	bus    *events.Bus
	logger *slog.Logger

	pollInterval time.Duration
	running      atomic.Bool
	nowFunc      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPollInterval enables a periodic sync in Run in addition to the
// reconnect trigger. Zero disables the timer.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// NewEngine creates a sync engine.
func NewEngine(
	q *queue.Store,
	c *cache.Store,
	docs remote.DocumentStore,
	conn *connectivity.Monitor,
	caps *capability.Monitor,
	bus *events.Bus,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		queue:   q,
		cache:   c,
		docs:    docs,
		conn:    conn,
		caps:    caps,
		bus:     bus,
		logger:  logger,
		nowFunc: time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// mutationGroup is the ordered pending mutations for one document. Replay
// within a group is strictly sequential; groups run concurrently.
type mutationGroup struct {
	collection string
	docID      string
	mutations  []*queue.Mutation
}

// RunSync replays all pending mutations once. It never returns an error:
// per-mutation failures are classified and recorded, and a pass that cannot
// start (offline, queue unreadable) reports everything as still pending.
// Concurrent calls coalesce; the second returns an empty result.
func (e *Engine) RunSync(ctx context.Context) Result {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}
	}
	defer e.running.Store(false)

	if !e.conn.Online() {
		n, err := e.queue.CountPending(ctx)
		if err != nil {
			e.logger.Error("cannot count pending mutations", "error", err)
		}

		e.logger.Debug("sync skipped, offline", slog.Int("pending", n))

		return Result{Skipped: n, StillPending: n}
	}

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		e.logger.Error("cannot list pending mutations", "error", err)
		return Result{}
	}

	if len(pending) == 0 {
		return Result{}
	}

	e.bus.Publish(events.Event{Kind: events.KindSyncStarted, Payload: len(pending)})
	e.logger.Info("sync started", slog.Int("pending", len(pending)))

	groups := groupByDocument(pending)

	var applied, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())

	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			a, f, s := e.replayGroup(gctx, grp)
			applied.Add(int64(a))
			failed.Add(int64(f))
			skipped.Add(int64(s))

			return nil
		})
	}

	_ = g.Wait() // group workers never return errors

	still, err := e.queue.CountPending(ctx)
	if err != nil {
		e.logger.Error("cannot count pending mutations", "error", err)
	}

	result := Result{
		Applied:      int(applied.Load()),
		Failed:       int(failed.Load()),
		Skipped:      int(skipped.Load()),
		StillPending: still,
	}

	e.logger.Info("sync finished",
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("still_pending", result.StillPending),
	)

	e.bus.Publish(events.Event{Kind: events.KindSyncFinished, Payload: result})

	return result
}

// concurrency derives the cross-document replay bound from the current
// optimization level, reusing the upload concurrency tier.
func (e *Engine) concurrency() int {
	if e.caps == nil {
		return 2
	}

	n := throttle.UploadSettingsFor(e.caps.Current().Level).MaxConcurrent
	if n < 1 {
		n = 1
	}

	return n
}

// groupByDocument buckets pending mutations by target while preserving
// creation order, both within each group and across group starts.
func groupByDocument(pending []*queue.Mutation) []*mutationGroup {
	index := make(map[string]*mutationGroup)

	var groups []*mutationGroup

	for _, m := range pending {
		key := m.Collection + "\x00" + m.DocID

		grp, ok := index[key]
		if !ok {
			grp = &mutationGroup{collection: m.Collection, docID: m.DocID}
			index[key] = grp
			groups = append(groups, grp)
		}

		grp.mutations = append(grp.mutations, m)
	}

	return groups
}

// replayGroup applies one document's mutations in creation order. A
// transient failure or a future backoff window stops the group — later
// writes must not jump ahead of an earlier one that will be retried. A
// permanent failure dead-letters that mutation and continues, because the
// later writes may still be valid on their own.
func (e *Engine) replayGroup(ctx context.Context, grp *mutationGroup) (applied, failed, skipped int) {
	now := e.nowFunc().UnixNano()

	for i, m := range grp.mutations {
		if ctx.Err() != nil {
			skipped += len(grp.mutations) - i
			return applied, failed, skipped
		}

		if m.NextAttemptAt > now {
			// Still backing off; everything behind it stays queued too.
			skipped += len(grp.mutations) - i
			return applied, failed, skipped
		}

		err := e.apply(ctx, m)
		if err == nil {
			applied++
			continue
		}

		failed++

		switch remote.Classify(err) {
		case remote.ClassPermanent:
			e.deadLetter(ctx, m, err)
		default:
			e.scheduleRetry(ctx, m, err)

			// Preserve per-document order: do not attempt later writes
			// while this one waits for its retry.
			skipped += len(grp.mutations) - i - 1

			return applied, failed, skipped
		}
	}

	return applied, failed, skipped
}

// apply performs one mutation against the remote store and, on success,
// removes it from the queue and refreshes the cache.
func (e *Engine) apply(ctx context.Context, m *queue.Mutation) error {
	var (
		doc *remote.Document
		err error
	)

	switch m.Op {
	case queue.OpSet:
		doc, err = e.docs.Set(ctx, m.Collection, m.DocID, m.Payload)
	case queue.OpUpdate:
		doc, err = e.docs.Update(ctx, m.Collection, m.DocID, m.Payload)
	case queue.OpDelete:
		err = e.docs.Delete(ctx, m.Collection, m.DocID)
	default:
		err = errors.New("unknown mutation op " + string(m.Op))
	}

	if err != nil {
		return err
	}

	if removeErr := e.queue.Remove(ctx, m.ID); removeErr != nil {
		// The remote write succeeded; a replay will be a same-value
		// overwrite, so log rather than fail the mutation.
		e.logger.Error("applied mutation could not be removed from queue",
			slog.String("id", m.ID),
			slog.String("error", removeErr.Error()),
		)
	}

	e.refreshCache(ctx, m, doc)

	e.logger.Info("mutation applied",
		slog.String("id", m.ID),
		slog.String("collection", m.Collection),
		slog.String("doc_id", m.DocID),
		slog.String("op", string(m.Op)),
	)

	e.bus.Publish(events.Event{Kind: events.KindMutationApplied, Payload: m})

	return nil
}

// refreshCache makes the cache reflect the confirmed remote state.
func (e *Engine) refreshCache(ctx context.Context, m *queue.Mutation, doc *remote.Document) {
	var err error

	switch {
	case m.Op == queue.OpDelete:
		err = e.cache.Delete(ctx, m.Collection, m.DocID)
	case doc != nil:
		err = e.cache.Put(ctx, m.Collection, m.DocID, doc.Data)
	default:
		err = e.cache.Put(ctx, m.Collection, m.DocID, json.RawMessage(m.Payload))
	}

	if err != nil {
		e.logger.Warn("cache refresh after apply failed",
			slog.String("collection", m.Collection),
			slog.String("doc_id", m.DocID),
			slog.String("error", err.Error()),
		)
	}
}

// deadLetter records a permanently failed mutation.
func (e *Engine) deadLetter(ctx context.Context, m *queue.Mutation, cause error) {
	e.logger.Warn("mutation permanently rejected",
		slog.String("id", m.ID),
		slog.String("collection", m.Collection),
		slog.String("doc_id", m.DocID),
		slog.String("error", cause.Error()),
	)

	if err := e.queue.MarkDead(ctx, m.ID, "rejected by server", cause.Error()); err != nil {
		e.logger.Error("cannot dead-letter mutation", slog.String("id", m.ID), slog.String("error", err.Error()))
	}

	e.bus.Publish(events.Event{Kind: events.KindMutationFailed, Payload: m})
	e.bus.Publish(events.Event{Kind: events.KindMutationDead, Payload: m})
}

// scheduleRetry records a transient failure and pushes the mutation's next
// attempt into its backoff window. The queue moves it to dead-letter on its
// own once the retry ceiling is reached.
func (e *Engine) scheduleRetry(ctx context.Context, m *queue.Mutation, cause error) {
	e.logger.Warn("mutation failed, will retry",
		slog.String("id", m.ID),
		slog.Int("retries", m.RetryCount),
		slog.String("error", cause.Error()),
	)

	if err := e.queue.IncrementRetry(ctx, m.ID, cause.Error()); err != nil {
		e.logger.Error("cannot record retry", slog.String("id", m.ID), slog.String("error", err.Error()))
	}

	e.bus.Publish(events.Event{Kind: events.KindMutationFailed, Payload: m})

	// IncrementRetry dead-letters at the ceiling; surface that as its own
	// event so the UI can tell "will retry" from "gave up".
	after, err := e.queue.Get(ctx, m.ID)
	if err == nil && after != nil && after.State == queue.StateDead {
		e.bus.Publish(events.Event{Kind: events.KindMutationDead, Payload: after})
	}
}
