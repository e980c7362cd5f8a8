package task

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// PlanWatcher watches a session's plan.md for external writes (a revision
// workflow rewriting the file out from under the registry, or a human
// editing it via the IDE) and re-parses it into the Registry on change.
// This supplements LoadFromPlan, which is otherwise a manually-invoked
// operation.
type PlanWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	paths    map[string]string // plan path -> session id
	done     chan struct{}
}

// NewPlanWatcher creates a PlanWatcher backed by registry.
func NewPlanWatcher(registry *Registry) (*PlanWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	pw := &PlanWatcher{
		registry: registry,
		watcher:  w,
		paths:    make(map[string]string),
		done:     make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

// Watch adds planPath (belonging to sessionID) to the watch set and loads
// it immediately.
func (pw *PlanWatcher) Watch(sessionID, planPath string) error {
	content, err := os.ReadFile(planPath)
	if err != nil {
		return err
	}
	if _, err := pw.registry.LoadFromPlan(sessionID, string(content)); err != nil {
		return err
	}

	pw.mu.Lock()
	pw.paths[filepath.Clean(planPath)] = sessionID
	pw.mu.Unlock()

	return pw.watcher.Add(filepath.Dir(planPath))
}

// Close stops the watcher.
func (pw *PlanWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}

func (pw *PlanWatcher) loop() {
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pw.handle(filepath.Clean(event.Name))
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("plan watcher error")
		}
	}
}

func (pw *PlanWatcher) handle(path string) {
	pw.mu.Lock()
	sessionID, tracked := pw.paths[path]
	pw.mu.Unlock()
	if !tracked {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to read changed plan file")
		return
	}
	if _, err := pw.registry.LoadFromPlan(sessionID, string(content)); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("failed to reload plan after change")
	}
}
