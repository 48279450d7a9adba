// Package workspace implements the per-workspace domain schema registry
// (spec.md §4.9, C9): loaded once at startup, reloadable on demand, and
// watched for on-disk changes via fsnotify — grounded on
// steveyegge/beads/internal/config's cached, reload-aware file config.
package workspace

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/factgraph/factgraph/internal/apperr"
	"github.com/factgraph/factgraph/internal/specschema"
)

// Registry tracks the domain schema file path for every known workspace and
// caches the parsed DomainSchema, invalidating on mtime change or an
// explicit Reload.
type Registry struct {
	mu       sync.RWMutex
	schemaDir string
	paths    map[string]string // workspace_id -> schema file path
	cache    *specschema.Cache
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewRegistry constructs a Registry rooted at schemaDir, where each
// workspace's schema lives at schemaDir/<workspace_id>.yaml.
func NewRegistry(schemaDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		schemaDir: schemaDir,
		paths:     make(map[string]string),
		cache:     specschema.NewCache(),
		logger:    logger,
	}
}

func (r *Registry) pathFor(workspaceID string) string {
	return filepath.Join(r.schemaDir, workspaceID+".yaml")
}

// Register associates workspaceID with its schema file and begins watching
// it for changes (if a watcher is attached via Watch).
func (r *Registry) Register(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := r.pathFor(workspaceID)
	r.paths[workspaceID] = path
	if r.watcher != nil {
		if err := r.watcher.Add(path); err != nil {
			r.logger.Warn("workspace: failed to watch schema file", "workspace_id", workspaceID, "path", path, "error", err)
		}
	}
}

// Schema returns the DomainSchema for workspaceID, loading or reusing the
// cached copy (mtime-checked).
func (r *Registry) Schema(workspaceID string) (*specschema.DomainSchema, error) {
	r.mu.RLock()
	path, ok := r.paths[workspaceID]
	r.mu.RUnlock()
	if !ok {
		path = r.pathFor(workspaceID)
	}
	schema, err := r.cache.Get(path)
	if err != nil {
		return nil, apperr.NewNotFound(workspaceID, "workspace %s schema not found: %v", workspaceID, err)
	}
	return schema, nil
}

// Reload forces the next Schema call for workspaceID to re-read from disk.
func (r *Registry) Reload(workspaceID string) {
	r.mu.RLock()
	path, ok := r.paths[workspaceID]
	r.mu.RUnlock()
	if !ok {
		path = r.pathFor(workspaceID)
	}
	r.cache.Invalidate(path)
}

// Watch attaches an fsnotify watcher so writes to a registered workspace's
// schema file invalidate its cache entry automatically. Watch starts the
// event loop in its own goroutine and returns at once; the loop ends when
// the returned stop function closes the watcher.
func (r *Registry) Watch() (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.NewInternal("", "workspace: cannot start fsnotify watcher: %v", err)
	}
	r.mu.Lock()
	r.watcher = w
	for _, path := range r.paths {
		if err := w.Add(path); err != nil {
			r.logger.Warn("workspace: failed to watch schema file", "path", path, "error", err)
		}
	}
	r.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.cache.Invalidate(ev.Name)
					r.logger.Info("workspace: schema file changed, cache invalidated", "path", ev.Name)
				}
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workspace: fsnotify error", "error", watchErr)
			}
		}
	}()

	return w.Close, nil
}
