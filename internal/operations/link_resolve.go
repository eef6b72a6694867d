package operations

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskhub/internal/progress"
	"github.com/JakeFAU/taskhub/internal/resolver"
	"github.com/JakeFAU/taskhub/internal/task"
)

// LinkResolve returns the link.resolve operation for req. It records
// meta{urls_count, resolved} and fails when the text holds no URLs.
func (s *Service) LinkResolve(req Request) task.Operation {
	return func(ctx context.Context, t *task.Task) error {
		release, err := s.lock(ctx, req)
		if err != nil {
			return err
		}
		defer release()

		t.Phase(PhaseExtract)
		urls := resolver.Scan(req.Text)
		t.SetMeta("urls_count", len(urls))
		if len(urls) == 0 {
			return ErrNoURLs
		}

		t.Phase(PhaseResolve)
		results, err := s.resolveWithProgress(ctx, urls, req)
		t.SetMeta("resolved", results)
		if err != nil {
			return err
		}
		s.logger.Info("links resolved",
			zap.String("task_id", t.ID()),
			zap.Int("urls", len(results)),
		)
		return nil
	}
}

func (s *Service) resolveWithProgress(ctx context.Context, urls []string, req Request) ([]resolver.Result, error) {
	rep := progress.FromContext(ctx)
	h := rep.Add("resolve urls", progress.Int64(int64(len(urls))), 0)
	defer rep.Remove(h)
	return s.cfg.Resolver.ResolveAll(ctx, urls, req.options(), func(i int, res resolver.Result) {
		rep.Update(h, progress.Completed(int64(i+1)), progress.Description(res.URL))
	})
}

// ResolveText resolves the URLs in req.Text outside of any task, holding the
// session lock for the duration. It returns ErrNoURLs when there is nothing to
// resolve.
func (s *Service) ResolveText(ctx context.Context, req Request) ([]resolver.Result, error) {
	urls := resolver.Scan(req.Text)
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	release, err := s.lock(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.cfg.Resolver.ResolveAll(ctx, urls, req.options(), nil)
}
