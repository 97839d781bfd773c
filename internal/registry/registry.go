// Package registry tracks connected workers, their advertised capabilities,
// and the selection policy that routes new jobs to them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

// ErrNoCapacity means no registered worker can take a job for the given
// plugin right now. The caller surfaces this to the scheduler; the core
// performs no queueing or retries of its own.
var ErrNoCapacity = errors.New("no worker with free capacity")

// ErrUnknownWorker means the connection id is not (or no longer) registered.
var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one registered worker process. The connection handle itself
// stays with the multiplexer; the registry only holds the identity.
type Worker struct {
	// ID is the connection identity assigned by the multiplexer.
	ID      string
	Name    string
	PID     int
	MaxJobs int
	// Plugins is the set of plugin basenames the worker volunteered for.
	// An empty set means it handles anything.
	Plugins map[string]struct{}
	// InFlight is the authoritative count of jobs currently dispatched to
	// this worker and not yet completed.
	InFlight     int
	RegisteredAt time.Time

	jobs map[int]struct{}
}

// Info is a read-only snapshot of a worker for the status API.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	MaxJobs      int       `json:"max_jobs"`
	Plugins      []string  `json:"plugins,omitempty"`
	InFlight     int       `json:"in_flight"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the set of connected workers plus the per-plugin round-robin
// cursors used for selection.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	order   []string // registration order, drives rotation fairness
	cursors map[string]int
	logger  *slog.Logger
}

func New() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		cursors: make(map[string]int),
		logger:  log.WithComponent("registry"),
	}
}

// Register binds a connection to a worker identity. A second registration
// on the same connection replaces capacity and plugin set wholesale (there
// are no partial updates) but keeps the in-flight count.
func (r *Registry) Register(connID string, reg *protocol.Registration) (*Worker, error) {
	if reg.MaxJobs <= 0 {
		return nil, &protocol.RegistrationError{
			Reason: fmt.Sprintf("max_jobs must be positive, got %d", reg.MaxJobs),
		}
	}

	plugins := make(map[string]struct{}, len(reg.Plugins))
	for _, p := range reg.Plugins {
		plugins[p] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[connID]; ok {
		// Re-registration amends the advertisement in place.
		w.Name = reg.Name
		w.PID = reg.PID
		w.MaxJobs = reg.MaxJobs
		w.Plugins = plugins
		r.logger.Info("worker re-registered", "worker", w.Name, "max_jobs", w.MaxJobs, "plugins", len(plugins))
		return w, nil
	}

	w := &Worker{
		ID:           connID,
		Name:         reg.Name,
		PID:          reg.PID,
		MaxJobs:      reg.MaxJobs,
		Plugins:      plugins,
		RegisteredAt: time.Now().UTC(),
		jobs:         make(map[int]struct{}),
	}
	r.workers[connID] = w
	r.order = append(r.order, connID)
	r.logger.Info("worker registered", "worker", w.Name, "pid", w.PID, "max_jobs", w.MaxJobs, "plugins", len(plugins))
	return w, nil
}

// Select picks a worker for pluginHint and reserves one job slot on it.
// Candidates are workers whose plugin set is empty or contains the hint,
// with in_flight < max_jobs. Each distinct plugin name rotates through its
// candidates independently, so repeated selections for one plugin cycle
// fairly without perturbing the cursors of unrelated plugins.
func (r *Registry) Select(pluginHint string) (connID, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Worker
	for _, id := range r.order {
		w := r.workers[id]
		if w == nil || !w.handles(pluginHint) {
			continue
		}
		if w.InFlight >= w.MaxJobs {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return "", "", ErrNoCapacity
	}

	cur := r.cursors[pluginHint] % len(candidates)
	w := candidates[cur]
	r.cursors[pluginHint] = cur + 1

	w.InFlight++
	return w.ID, w.Name, nil
}

// ReleaseSlot undoes a Select reservation that never became a job (for
// example, the request frame could not be written).
func (r *Registry) ReleaseSlot(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[connID]; ok && w.InFlight > 0 {
		w.InFlight--
	}
}

// BindJob records job ownership after the job table has admitted the job.
func (r *Registry) BindJob(connID string, jobID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[connID]
	if !ok {
		return ErrUnknownWorker
	}
	w.jobs[jobID] = struct{}{}
	return nil
}

// UnbindJob releases a completed job's slot and ownership record. The
// worker may already be gone; that is not an error.
func (r *Registry) UnbindJob(connID string, jobID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[connID]
	if !ok {
		return
	}
	delete(w.jobs, jobID)
	if w.InFlight > 0 {
		w.InFlight--
	}
}

// Remove drops a worker on connection loss and returns the job ids it
// still owned, for the job table to fail out.
func (r *Registry) Remove(connID string) ([]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[connID]
	if !ok {
		return nil, false
	}
	delete(r.workers, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	owned := make([]int, 0, len(w.jobs))
	for id := range w.jobs {
		owned = append(owned, id)
	}
	sort.Ints(owned)

	r.pruneCursorsLocked()
	r.logger.Info("worker removed", "worker", w.Name, "orphaned_jobs", len(owned))
	return owned, true
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(connID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[connID]
	if !ok {
		return Info{}, false
	}
	return w.info(), true
}

// List returns snapshots of all workers in registration order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		if w := r.workers[id]; w != nil {
			out = append(out, w.info())
		}
	}
	return out
}

// pruneCursorsLocked evicts rotation cursors for plugin names no remaining
// worker is interested in, bounding cursor growth.
func (r *Registry) pruneCursorsLocked() {
	for hint := range r.cursors {
		alive := false
		for _, w := range r.workers {
			if w.handles(hint) {
				alive = true
				break
			}
		}
		if !alive {
			delete(r.cursors, hint)
		}
	}
}

func (w *Worker) handles(pluginHint string) bool {
	if len(w.Plugins) == 0 {
		return true
	}
	_, ok := w.Plugins[pluginHint]
	return ok
}

func (w *Worker) info() Info {
	plugins := make([]string, 0, len(w.Plugins))
	for p := range w.Plugins {
		plugins = append(plugins, p)
	}
	sort.Strings(plugins)
	return Info{
		ID:           w.ID,
		Name:         w.Name,
		PID:          w.PID,
		MaxJobs:      w.MaxJobs,
		Plugins:      plugins,
		InFlight:     w.InFlight,
		RegisteredAt: w.RegisteredAt,
	}
}
