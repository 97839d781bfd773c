// Package dispatch ties the multiplexer, worker registry, job table, and
// logging relay together: it accepts check requests from the external
// scheduler, routes them to workers, and reports completions back through
// a single outcome channel whether the job answered, timed out, or lost
// its worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgrid/checkfarm/internal/events"
	"github.com/opsgrid/checkfarm/internal/history"
	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/logrelay"
	"github.com/opsgrid/checkfarm/internal/protocol"
	"github.com/opsgrid/checkfarm/internal/registry"
)

// ErrRejected means no worker could take the check right now. The external
// scheduler decides whether and when to retry; this core never queues.
var ErrRejected = errors.New("check rejected: no eligible worker")

// FrameSender abstracts the connection multiplexer's outbound side.
type FrameSender interface {
	Send(connID string, f protocol.Frame) error
}

// CompletionHandler receives every job outcome exactly once.
type CompletionHandler interface {
	JobCompleted(o *jobtable.Outcome)
}

// CompletionFunc adapts a function to the CompletionHandler interface.
type CompletionFunc func(o *jobtable.Outcome)

func (f CompletionFunc) JobCompleted(o *jobtable.Outcome) { f(o) }

// Params configures a Dispatcher. Sender, Registry, Table, and Completions
// are required; the rest default sensibly.
type Params struct {
	Sender      FrameSender
	Registry    *registry.Registry
	Table       *jobtable.Table
	Relay       *logrelay.Relay
	Hub         *events.Hub
	History     *history.Store // optional audit trail
	Completions CompletionHandler

	// TickInterval drives the timeout reaper, independent of socket
	// activity. Defaults to 1s.
	TickInterval time.Duration
	// HistoryRetention prunes the audit trail when set.
	HistoryRetention time.Duration
}

// Dispatcher is the orchestration core. It implements mux.Handler.
type Dispatcher struct {
	sender      FrameSender
	registry    *registry.Registry
	table       *jobtable.Table
	relay       *logrelay.Relay
	hub         *events.Hub
	hist        *history.Store
	completions CompletionHandler

	tickInterval     time.Duration
	historyRetention time.Duration
	logger           *slog.Logger
	nowFunc          func() time.Time
}

func New(p Params) (*Dispatcher, error) {
	if p.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if p.Registry == nil || p.Table == nil {
		return nil, fmt.Errorf("registry and job table are required")
	}
	if p.Completions == nil {
		return nil, fmt.Errorf("completion handler is required")
	}
	if p.Relay == nil {
		p.Relay = logrelay.New(nil)
	}
	if p.Hub == nil {
		p.Hub = events.NewHub(128)
	}
	if p.TickInterval <= 0 {
		p.TickInterval = time.Second
	}

	return &Dispatcher{
		sender:           p.Sender,
		registry:         p.Registry,
		table:            p.Table,
		relay:            p.Relay,
		hub:              p.Hub,
		hist:             p.History,
		completions:      p.Completions,
		tickInterval:     p.TickInterval,
		historyRetention: p.HistoryRetention,
		logger:           log.WithComponent("dispatch"),
		nowFunc:          time.Now,
	}, nil
}

// SubmitCheck routes one check to a worker. Returns the job id, or
// ErrRejected when no eligible worker has free capacity.
func (d *Dispatcher) SubmitCheck(command string, timeout time.Duration, pluginHint string) (int, error) {
	connID, workerName, err := d.registry.Select(pluginHint)
	if err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			return 0, fmt.Errorf("%w (plugin %q)", ErrRejected, pluginHint)
		}
		return 0, err
	}

	j, err := d.table.Submit(connID, workerName, pluginHint, command, timeout, d.nowFunc())
	if err != nil {
		d.registry.ReleaseSlot(connID)
		return 0, fmt.Errorf("submit job: %w", err)
	}
	if err := d.registry.BindJob(connID, j.ID); err != nil {
		d.table.Withdraw(j.ID)
		d.registry.ReleaseSlot(connID)
		return 0, fmt.Errorf("bind job: %w", err)
	}

	req := &protocol.JobRequest{
		JobID:   j.ID,
		Type:    protocol.DefaultJobType,
		Command: command,
		Timeout: timeout,
	}
	if err := d.sender.Send(connID, req.RequestFrame()); err != nil {
		d.table.Withdraw(j.ID)
		d.registry.UnbindJob(connID, j.ID)
		return 0, fmt.Errorf("send job request to %s: %w", workerName, err)
	}

	d.logger.Debug("job dispatched", "job_id", j.ID, "worker", workerName, "plugin", pluginHint, "timeout", timeout)
	d.hub.Publish(events.TypeJobSubmitted, map[string]any{
		"job_id": j.ID,
		"worker": workerName,
		"plugin": pluginHint,
	})
	return j.ID, nil
}

// Run drives the timeout reaper until ctx is cancelled. The cadence is
// independent of socket activity: a worker that never answers must still
// be reaped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "tick", d.tickInterval)
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if d.hist != nil && d.historyRetention > 0 {
		pruneTicker := time.NewTicker(time.Hour)
		defer pruneTicker.Stop()
		prune = pruneTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(d.nowFunc())
		case <-prune:
			if err := d.hist.Prune(ctx, d.historyRetention); err != nil {
				d.logger.Error("history prune failed", "error", err)
			}
		}
	}
}

// Tick reaps every job whose deadline has passed, synthesizing timeout
// completions that flow through the same path as real responses.
func (d *Dispatcher) Tick(now time.Time) {
	for _, o := range d.table.Expire(now) {
		d.hub.Publish(events.TypeJobTimeout, map[string]any{
			"job_id": o.JobID,
			"worker": o.WorkerName,
		})
		d.finish(o)
	}
}

// OnRegister implements mux.Handler. A registration error propagates back
// to the multiplexer, which replies with the error text and closes the
// connection.
func (d *Dispatcher) OnRegister(connID string, reg *protocol.Registration) error {
	w, err := d.registry.Register(connID, reg)
	if err != nil {
		return err
	}
	d.hub.Publish(events.TypeWorkerRegistered, map[string]any{
		"worker":   w.Name,
		"pid":      w.PID,
		"max_jobs": w.MaxJobs,
	})
	return nil
}

// OnFrame implements mux.Handler: classify, then route to the job table or
// the logging relay. Any other shape is an anomaly, logged and dropped.
func (d *Dispatcher) OnFrame(connID string, f protocol.Frame) {
	switch protocol.Classify(f) {
	case protocol.ClassJob:
		d.handleResponse(connID, f)
	case protocol.ClassLog:
		d.relay.Forward(d.workerName(connID), f)
	default:
		d.anomaly(connID, "mis-shaped frame", f)
	}
}

// OnDisconnect implements mux.Handler. Losing a worker is an expected,
// cheap event: its in-flight jobs are failed out with the worker-lost
// code, never silently dropped.
func (d *Dispatcher) OnDisconnect(connID string) {
	owned, ok := d.registry.Remove(connID)
	if !ok {
		// Connection never completed registration.
		return
	}
	d.hub.Publish(events.TypeWorkerLost, map[string]any{
		"conn":     connID,
		"orphaned": len(owned),
	})
	for _, o := range d.table.FailJobs(owned, d.nowFunc()) {
		d.finish(o)
	}
}

func (d *Dispatcher) handleResponse(connID string, f protocol.Frame) {
	res, err := protocol.ParseResult(f)
	if err != nil {
		d.anomaly(connID, fmt.Sprintf("unparseable job response: %v", err), f)
		return
	}

	out, ok := d.table.Complete(res, d.nowFunc())
	if !ok {
		// Legitimately happens when the timeout already reaped the slot.
		d.anomaly(connID, fmt.Sprintf("response for unknown job id %d", res.JobID), f)
		return
	}
	d.finish(out)
}

// finish is the single exit point for every completed job: it frees the
// worker's slot, records history, and hands the outcome to the scheduler.
func (d *Dispatcher) finish(o *jobtable.Outcome) {
	d.registry.UnbindJob(o.WorkerID, o.JobID)

	d.hub.Publish(events.TypeJobCompleted, map[string]any{
		"job_id":     o.JobID,
		"worker":     o.WorkerName,
		"error_code": o.Result.ErrorCode,
	})

	if d.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.hist.Record(ctx, o); err != nil {
			d.logger.Error("history record failed", "job_id", o.JobID, "error", err)
		}
		cancel()
	}

	d.completions.JobCompleted(o)
}

func (d *Dispatcher) workerName(connID string) string {
	if info, ok := d.registry.Get(connID); ok {
		return info.Name
	}
	return connID
}

func (d *Dispatcher) anomaly(connID, reason string, f protocol.Frame) {
	d.logger.Warn("protocol anomaly", "conn", connID, "reason", reason, "pairs", len(f))
	d.hub.Publish(events.TypeAnomaly, map[string]any{
		"conn":   connID,
		"reason": reason,
	})
}
