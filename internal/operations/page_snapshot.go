package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/fetcher"
	"github.com/JakeFAU/taskhub/internal/metrics"
	"github.com/JakeFAU/taskhub/internal/progress"
	"github.com/JakeFAU/taskhub/internal/resolver"
	"github.com/JakeFAU/taskhub/internal/storage"
	"github.com/JakeFAU/taskhub/internal/store"
	"github.com/JakeFAU/taskhub/internal/task"
)

const defaultContentType = "text/html; charset=utf-8"

// PageSnapshot returns the page.snapshot operation for req: resolve every URL
// in the text, fetch each page, and store the body in the blob store under
// <prefix>/<task_id>/<sha256>.html. It records meta{works_count, ok_count,
// blobs} and fails when no page could be stored.
func (s *Service) PageSnapshot(req Request) task.Operation {
	return func(ctx context.Context, t *task.Task) error {
		if s.cfg.Fetcher == nil || s.cfg.Blobs == nil {
			return errors.New("snapshot storage is not configured")
		}
		release, err := s.lock(ctx, req)
		if err != nil {
			return err
		}
		defer release()

		t.Phase(PhaseExtract)
		urls := resolver.Scan(req.Text)
		t.SetMeta("works_count", len(urls))
		if len(urls) == 0 {
			return ErrNoURLs
		}

		t.Phase(PhaseResolve)
		results, err := s.resolveWithProgress(ctx, urls, req)
		if err != nil {
			return err
		}

		t.Phase(PhaseSnapshot)
		rep := progress.FromContext(ctx)
		h := rep.Add("snapshot pages", progress.Int64(int64(len(results))), 0)
		defer rep.Remove(h)

		blobs := make([]string, 0, len(results))
		for _, res := range results {
			if err := ctx.Err(); err != nil {
				return err
			}
			uri, err := s.snapshot(ctx, t.ID(), res, req)
			rep.Update(h, progress.Advance(1), progress.Description(res.URL))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("page snapshot failed",
					zap.String("task_id", t.ID()),
					zap.String("url", res.URL),
					zap.Error(err),
				)
				continue
			}
			blobs = append(blobs, uri)
		}
		t.SetMeta("ok_count", len(blobs))
		t.SetMeta("blobs", blobs)
		if len(blobs) == 0 {
			return ErrNothingStored
		}
		return nil
	}
}

func (s *Service) snapshot(ctx context.Context, taskID string, res resolver.Result, req Request) (string, error) {
	opts := req.options()
	var page fetcher.Response
	err := s.cfg.Retry.Do(ctx, res.URL, func(ctx context.Context) error {
		got, err := s.cfg.Fetcher.Fetch(ctx, fetcher.Request{
			URL:     res.URL,
			Method:  http.MethodGet,
			Proxy:   opts.Proxy,
			Headers: opts.Headers,
		})
		if err != nil {
			return err
		}
		page = got
		return nil
	})
	if err != nil {
		return "", err
	}
	page = s.promote(ctx, res, opts, page)

	digest, err := s.cfg.Hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	path := storage.SnapshotPath(s.cfg.BlobPrefix, taskID, digest)
	uri, err := s.cfg.Blobs.PutObject(ctx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	metrics.ObserveSnapshot(res.URL, len(page.Body))

	if s.cfg.Snapshots != nil {
		if err := s.recordSnapshot(ctx, taskID, res, page, digest, uri, contentType); err != nil {
			return "", err
		}
	}
	return uri, nil
}

// promote swaps page for its rendered DOM when the detector flags it as a
// script shell. Render failures keep the fetched page.
func (s *Service) promote(ctx context.Context, res resolver.Result, opts resolver.Options, page fetcher.Response) fetcher.Response {
	if s.cfg.Renderer == nil || s.cfg.Detector == nil || !s.cfg.Detector.ShouldPromote(page) {
		return page
	}
	rendered, err := s.cfg.Renderer.Render(ctx, fetcher.Request{
		URL:     renderTarget(res, page),
		Method:  http.MethodGet,
		Proxy:   opts.Proxy,
		Headers: opts.Headers,
	})
	if err != nil {
		s.logger.Warn("headless render failed; keeping fetched page",
			zap.String("url", res.URL),
			zap.Error(err),
		)
		return page
	}
	if rendered.Headers == nil {
		rendered.Headers = page.Headers
	}
	if rendered.StatusCode == 0 {
		rendered.StatusCode = page.StatusCode
	}
	return rendered
}

func (s *Service) recordSnapshot(
	ctx context.Context,
	taskID string,
	res resolver.Result,
	page fetcher.Response,
	digest, uri, contentType string,
) error {
	id := digest
	if s.cfg.IDs != nil {
		if generated, err := s.cfg.IDs.NewID(); err == nil {
			id = generated
		}
	}
	finalURL := page.URL
	if finalURL == "" {
		finalURL = res.URL
	}
	err := s.cfg.Snapshots.StoreSnapshot(ctx, store.SnapshotRecord{
		ID:          id,
		TaskID:      taskID,
		SourceURL:   res.Raw,
		URL:         finalURL,
		Hash:        digest,
		BlobURI:     uri,
		Headers:     page.Headers,
		StatusCode:  page.StatusCode,
		ContentType: contentType,
		Size:        int64(len(page.Body)),
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

func renderTarget(res resolver.Result, page fetcher.Response) string {
	if page.URL != "" {
		return page.URL
	}
	return res.URL
}
