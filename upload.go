package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/queue"
	"github.com/karelmaki/fotosync/internal/remote"
)

// photosCollection is the document collection mirroring uploaded photos.
const photosCollection = "photos"

// photoRecord is the document written for each uploaded photo. PendingUpload
// marks records queued while offline: the blob itself still lives only on
// this device.
type photoRecord struct {
	Name          string `json:"name"`
	LocalPath     string `json:"local_path,omitempty"`
	URL           string `json:"url,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	ContentType   string `json:"content_type"`
	PendingUpload bool   `json:"pending_upload,omitempty"`
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <paths...>",
		Short: "Upload photos, or queue them while offline",
		Long: `Upload photos to the blob store, bounded by the device's current
optimization level. While offline, photo records are queued instead and the
blobs upload on the next sync from this device.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			go app.printNotifications(cmd.Context())

			app.connMon.Refresh(cmd.Context())

			return uploadPaths(cmd.Context(), app, args)
		},
	}

	cmd.AddCommand(newUploadWatchCmd())

	return cmd
}

func uploadPaths(ctx context.Context, app *app, paths []string) error {
	if !app.connMon.Online() {
		return queuePhotoRecords(ctx, app, paths)
	}

	settings := app.throttler.UploadSettings()

	app.logger.Info("uploading photos",
		"count", len(paths),
		"max_concurrent", settings.MaxConcurrent,
		"compress", settings.Compress,
	)

	sem := semaphore.NewWeighted(int64(settings.MaxConcurrent))

	g, gctx := errgroup.WithContext(ctx)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			return uploadOne(gctx, app, path)
		})
	}

	return g.Wait()
}

func uploadOne(ctx context.Context, app *app, path string) error {
	settings := app.throttler.UploadSettings()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() > settings.MaxBytes {
		return fmt.Errorf("%s is %s, over the %s limit at the current optimization level",
			path, formatSize(info.Size()), formatSize(settings.MaxBytes))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))

	url, err := app.client.Upload(ctx, photosCollection+"/"+name, f, info.Size(),
		remote.BlobMetadata{ContentType: contentType, Compressed: settings.Compress},
		func(sent, total int64) {
			app.logger.Debug("upload progress", "name", name, "sent", sent, "total", total)
		},
	)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	record, err := json.Marshal(photoRecord{
		Name:        name,
		URL:         url,
		SizeBytes:   info.Size(),
		ContentType: contentType,
	})
	if err != nil {
		return err
	}

	if _, err := app.client.Set(ctx, photosCollection, name, record); err != nil {
		return fmt.Errorf("recording %s: %w", path, err)
	}

	if err := app.cache.Put(ctx, photosCollection, name, record); err != nil {
		app.logger.Warn("cache update after upload failed", "name", name, "error", err)
	}

	statusf("Uploaded %s (%s)\n", name, formatSize(info.Size()))

	return nil
}

// queuePhotoRecords persists upload intent while offline. The records sync
// as documents; the binary upload reruns from this device when online.
func queuePhotoRecords(ctx context.Context, app *app, paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		name := filepath.Base(path)

		record, err := json.Marshal(photoRecord{
			Name:          name,
			LocalPath:     abs,
			SizeBytes:     info.Size(),
			ContentType:   mime.TypeByExtension(filepath.Ext(path)),
			PendingUpload: true,
		})
		if err != nil {
			return err
		}

		id, err := app.queue.Enqueue(ctx, photosCollection, name, queue.OpSet, record)
		if err != nil {
			return err
		}

		// Optimistic local write: reads see the provisional record
		// immediately, marked pending by its queued mutation.
		if err := app.cache.Put(ctx, photosCollection, name, record); err != nil {
			app.logger.Warn("caching queued photo record failed", "name", name, "error", err)
		}

		app.bus.Publish(events.Event{Kind: events.KindMutationQueued, Payload: id})
	}

	return nil
}

// resolvePendingUploads uploads blobs for photo records queued while
// offline. The replay pass syncs the record itself with pending_upload
// still set; this pass uploads the blob from its recorded local path and
// rewrites the record without the flag. Returns how many records resolved.
func resolvePendingUploads(ctx context.Context, app *app) (int, error) {
	snap, err := app.cache.GetSnapshot(ctx, photosCollection)
	if err != nil || snap == nil {
		return 0, err
	}

	resolved := 0

	for docID, data := range snap.Documents {
		var rec photoRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			app.logger.Warn("skipping malformed photo record", "doc_id", docID, "error", err)
			continue
		}

		if !rec.PendingUpload || rec.LocalPath == "" {
			continue
		}

		if err := uploadOne(ctx, app, rec.LocalPath); err != nil {
			app.logger.Warn("deferred blob upload failed",
				"doc_id", docID,
				"local_path", rec.LocalPath,
				"error", err,
			)

			continue
		}

		resolved++
	}

	return resolved, nil
}

func newUploadWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the library directory and upload new photos",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := shutdownContext(cmd.Context(), app.logger)

			go app.printNotifications(ctx)
			go app.connMon.Start(ctx)
			go app.capMon.Start(ctx)

			return watchLibrary(ctx, app)
		},
	}
}

// imageExtensions are the file types picked up by the library watcher.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".webp": true,
}

func watchLibrary(ctx context.Context, app *app) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(app.cfg.LibraryDir); err != nil {
		return fmt.Errorf("watching %s: %w", app.cfg.LibraryDir, err)
	}

	app.logger.Info("watching library for new photos", "dir", app.cfg.LibraryDir)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if !imageExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			app.connMon.Refresh(ctx)

			if err := uploadPaths(ctx, app, []string{event.Name}); err != nil {
				app.logger.Error("upload from watcher failed", "path", event.Name, "error", err)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			app.logger.Error("watcher error", "error", watchErr)
		case <-ctx.Done():
			return nil
		}
	}
}
