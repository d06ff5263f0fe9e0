package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/karelmaki/fotosync/internal/events"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes against the server",
		Long: `Run one replay pass over the local mutation queue.

With --watch, keep running: the queue drains automatically every time
connectivity comes back, and on the configured poll interval.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if watch {
				return runSyncWatch(cmd.Context(), app)
			}

			return runSyncOnce(cmd.Context(), app)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and sync on reconnect")

	return cmd
}

func runSyncOnce(ctx context.Context, app *app) error {
	go app.printNotifications(ctx)

	app.connMon.Refresh(ctx)

	result := app.engine.RunSync(ctx)

	if app.connMon.Online() {
		if n, err := resolvePendingUploads(ctx, app); err != nil {
			app.logger.Warn("deferred photo uploads failed", "error", err)
		} else if n > 0 {
			statusf("Uploaded %d photo(s) queued while offline.\n", n)
		}
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	if !app.connMon.Online() {
		statusf("Offline — %d change(s) still queued.\n", result.StillPending)
		return nil
	}

	fmt.Printf("Applied %d, failed %d, skipped %d, still pending %d\n",
		result.Applied, result.Failed, result.Skipped, result.StillPending)

	return nil
}

func runSyncWatch(parent context.Context, app *app) error {
	ctx := shutdownContext(parent, app.logger)

	go app.printNotifications(ctx)
	go app.connMon.Start(ctx)
	go app.capMon.Start(ctx)

	// Photo blobs queued while offline upload right after each replay pass.
	cancelUploads := app.bus.Subscribe(func(ev events.Event) {
		if ev.Kind != events.KindSyncFinished {
			return
		}

		if _, err := resolvePendingUploads(ctx, app); err != nil {
			app.logger.Warn("deferred photo uploads failed", "error", err)
		}
	})
	defer cancelUploads()

	app.logger.Info("watching for connectivity and queued changes")

	app.engine.Run(ctx)

	return nil
}
