package backpressure

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Reloader keeps a policy file hot. It watches the file's parent directory
// (editors typically replace files via rename, which drops a watch on the
// file itself), re-parses on change, and retains the last good policy when a
// rewrite is momentarily invalid or truncated.
type Reloader struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	current  Policy
	onChange []func(Policy)
}

// NewReloader loads the policy at path and starts watching it until ctx is
// canceled. Construction fails if the initial load fails; later failures are
// logged and the previous policy stays in effect.
func NewReloader(ctx context.Context, path string, log *slog.Logger) (*Reloader, error) {
	if log == nil {
		log = slog.Default()
	}
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	r := &Reloader{path: abs, log: log, current: p}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch policy dir: %w", err)
	}
	go r.run(ctx, w)
	return r, nil
}

// Current returns the most recent valid policy.
func (r *Reloader) Current() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnChange registers a callback invoked with each newly applied policy.
// Callbacks run on the watcher goroutine and should return quickly.
func (r *Reloader) OnChange(fn func(Policy)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

func (r *Reloader) run(ctx context.Context, w *fsnotify.Watcher) {
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log.WarnContext(ctx, "policy.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	p, err := LoadFile(r.path)
	if err != nil {
		r.log.WarnContext(ctx, "policy.reload.reject", slog.String("err", err.Error()))
		return
	}
	r.mu.Lock()
	r.current = p
	cbs := slices.Clone(r.onChange)
	r.mu.Unlock()
	r.log.InfoContext(ctx, "policy.reload.ok", slog.String("strategy", string(p.Strategy)))
	for _, fn := range cbs {
		fn(p)
	}
}
