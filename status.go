package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/jobs"
	"github.com/karelmaki/fotosync/internal/notify"
	"github.com/karelmaki/fotosync/internal/queue"
)

// statusReport is the machine-readable shape of `fotosync status`.
type statusReport struct {
	Online            bool     `json:"online"`
	ConnectionType    string   `json:"connection_type"`
	Slow              bool     `json:"slow,omitempty"`
	OptimizationLevel string   `json:"optimization_level"`
	BatteryLevel      *int     `json:"battery_percent,omitempty"`
	Charging          *bool    `json:"charging,omitempty"`
	PendingMutations  int      `json:"pending_mutations"`
	DeadMutations     int      `json:"dead_mutations"`
	PendingSync       []string `json:"pending_sync,omitempty"`
	JobsCached        int      `json:"jobs_cached"`
	JobsFetchedAt     *string  `json:"jobs_fetched_at,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, device capability, and queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			conn := app.connMon.Refresh(ctx)
			caps := app.capMon.Current()

			pending, err := app.queue.CountPending(ctx)
			if err != nil {
				return err
			}

			dead, err := app.queue.ListDead(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				Online:            conn.Online,
				ConnectionType:    string(conn.ConnectionType),
				Slow:              conn.Slow,
				OptimizationLevel: caps.Level.String(),
				PendingMutations:  pending,
				DeadMutations:     len(dead),
			}

			if caps.BatteryLevel != nil {
				pct := int(*caps.BatteryLevel * 100)
				report.BatteryLevel = &pct
				report.Charging = caps.Charging
			}

			snap, err := app.cache.GetSnapshot(ctx, jobs.JobsCollection)
			if err != nil {
				return err
			}

			if snap != nil {
				announceDataSource(app.notifier, conn.Online, app.cache.Stale(snap))

				if conn.Online && app.cache.Stale(snap) {
					refreshJobs(ctx, app, snap)

					if fresh, freshErr := app.cache.GetSnapshot(ctx, jobs.JobsCollection); freshErr == nil && fresh != nil {
						snap = fresh
					}
				}

				report.JobsCached = len(snap.Documents)
				fetched := snap.FetchedAt.Format(time.RFC3339)
				report.JobsFetchedAt = &fetched
			}

			report.PendingSync, err = collectPendingSync(ctx, app.queue, app.cache)
			if err != nil {
				return err
			}

			app.flushNotifications()

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				return enc.Encode(report)
			}

			printStatusText(report)

			return nil
		},
	}
}

// announceDataSource emits the banner for a read served from the cache:
// offline readers see the cached-data notice, online readers with a stale
// snapshot see the refresh notice.
func announceDataSource(n *notify.Notifier, online, stale bool) {
	switch {
	case !online:
		n.ViewingCachedData()
	case stale:
		n.Refreshing()
	}
}

// refreshJobs re-polls every cached job so a stale snapshot the user is
// about to read gets brought up to date. Individual poll failures are
// logged, not fatal; the user still gets the cached view.
func refreshJobs(ctx context.Context, app *app, snap *cache.Snapshot) {
	for id := range snap.Documents {
		if _, err := app.tracker.Refresh(ctx, id); err != nil {
			app.logger.Warn("job refresh failed", "job_id", id, "error", err)
		}
	}
}

// collectPendingSync labels cached documents that still have queued local
// changes, in "collection/doc-id" form, so provisional data is marked as
// pending sync rather than presented as confirmed.
func collectPendingSync(ctx context.Context, q *queue.Store, c *cache.Store) ([]string, error) {
	var labels []string

	for _, collection := range []string{photosCollection, jobs.JobsCollection} {
		snap, err := c.GetSnapshot(ctx, collection)
		if err != nil {
			return nil, err
		}

		if snap == nil {
			continue
		}

		ids := make([]string, 0, len(snap.Documents))
		for id := range snap.Documents {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		for _, id := range ids {
			muts, err := q.PendingFor(ctx, collection, id)
			if err != nil {
				return nil, err
			}

			if len(muts) > 0 {
				labels = append(labels, collection+"/"+id)
			}
		}
	}

	return labels, nil
}

func printStatusText(r statusReport) {
	state := "offline"
	if r.Online {
		state = "online"
	}

	fmt.Printf("Connectivity:  %s (%s)", state, r.ConnectionType)

	if r.Slow {
		fmt.Print(" [slow]")
	}

	fmt.Println()

	fmt.Printf("Optimization:  %s", r.OptimizationLevel)

	if r.BatteryLevel != nil {
		fmt.Printf("  (battery %d%%", *r.BatteryLevel)

		if r.Charging != nil && *r.Charging {
			fmt.Print(", charging")
		}

		fmt.Print(")")
	}

	fmt.Println()

	fmt.Printf("Queue:         %d pending, %d dead\n", r.PendingMutations, r.DeadMutations)

	if len(r.PendingSync) > 0 {
		fmt.Printf("Pending sync:  %s\n", strings.Join(r.PendingSync, ", "))
	}

	if r.JobsCached > 0 {
		fmt.Printf("Jobs cached:   %d\n", r.JobsCached)
	}
}
