package secrets

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the given sources whenever their directories change, until
// ctx is done. Directories are watched rather than files because mounted
// Kubernetes Secrets are updated by swapping a symlink. Secrets are only
// ever added; removing one from a source does not revoke it.
//
// The returned channel is closed once the watcher has shut down.
func (s *Store) Watch(ctx context.Context, paths ...string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]struct{}{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := w.Add(dir); err != nil {
			s.log.WarnContext(ctx, "secrets.watch.skip", slog.String("dir", dir), slog.String("err", err.Error()))
			continue
		}
		dirs[dir] = struct{}{}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if n := s.Load(ctx, paths...); n > 0 {
					s.log.InfoContext(ctx, "secrets.watch.reload", slog.String("event", ev.String()), slog.Int("added", n))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.WarnContext(ctx, "secrets.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return done, nil
}
