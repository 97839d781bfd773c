// Package jobtable is the central state machine for outstanding jobs: id
// allocation, worker ownership, and the time-ordered expiry queue that
// reaps jobs whose workers never answer.
package jobtable

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

// Job is one outstanding check delegated to a worker. The worker reference
// is weak: the worker may vanish while the job is in flight.
type Job struct {
	ID         int
	WorkerID   string
	WorkerName string
	Plugin     string
	Command    string
	Timeout    time.Duration
	EnqueuedAt time.Time
	Deadline   time.Time

	seq       uint64 // submission order, tie-break for equal deadlines
	heapIndex int
}

// Info is a read-only snapshot of an outstanding job for the status API.
type Info struct {
	ID         int       `json:"id"`
	Worker     string    `json:"worker"`
	Plugin     string    `json:"plugin,omitempty"`
	Command    string    `json:"command"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"deadline"`
}

// Outcome is the single completion record handed to the dispatcher, whether
// the job finished with a real response, a timeout, or a lost worker.
// Synthesized completions carry the reserved error codes; timeout is not a
// distinct channel.
type Outcome struct {
	JobID       int
	WorkerID    string
	WorkerName  string
	Plugin      string
	Command     string
	SubmittedAt time.Time
	CompletedAt time.Time
	Result      *protocol.Result
}

// Table owns every outstanding Job entry. Lookup-and-remove is atomic under
// one lock, which is what makes the response/timeout/disconnect completion
// paths mutually exclusive and exactly-once.
type Table struct {
	mu     sync.Mutex
	jobs   map[int]*Job
	expiry expiryHeap
	free   []int
	next   int
	seq    uint64
	logger *slog.Logger
}

func New() *Table {
	return &Table{
		jobs:   make(map[int]*Job),
		logger: log.WithComponent("jobtable"),
	}
}

// Submit reserves a job id, records ownership, and schedules the expiry
// entry at now + timeout. The id stays reserved until exactly one of
// response, timeout, or disconnect releases it.
func (t *Table) Submit(workerID, workerName, plugin, command string, timeout time.Duration, now time.Time) (*Job, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", timeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.allocIDLocked()
	t.seq++
	j := &Job{
		ID:         id,
		WorkerID:   workerID,
		WorkerName: workerName,
		Plugin:     plugin,
		Command:    command,
		Timeout:    timeout,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
		seq:        t.seq,
	}
	t.jobs[id] = j
	heap.Push(&t.expiry, j)
	return j, nil
}

// Complete correlates a response to its job. If the job id is unknown (a
// response after the timeout already reaped the slot, or noise), it returns
// (nil, false); the caller logs the anomaly and moves on. It is never an
// error upward.
func (t *Table) Complete(res *protocol.Result, now time.Time) (*Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[res.JobID]
	if !ok {
		return nil, false
	}
	t.removeLocked(j)
	return t.outcomeLocked(j, res, now), true
}

// Expire pops every expiry entry with deadline <= now and synthesizes a
// timeout completion for each, in FIFO submission order for equal
// deadlines. This runs on a cadence independent of socket activity: a
// worker that never answers must still be reaped.
func (t *Table) Expire(now time.Time) []*Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Outcome
	for t.expiry.Len() > 0 {
		j := t.expiry[0]
		if j.Deadline.After(now) {
			break
		}
		t.removeLocked(j)
		res := &protocol.Result{
			JobID:     j.ID,
			Command:   j.Command,
			Timeout:   j.Timeout,
			ErrorMsg:  fmt.Sprintf("job timed out after %v", j.Timeout),
			ErrorCode: protocol.CodeTimeout,
		}
		t.logger.Warn("job expired", "job_id", j.ID, "worker", j.WorkerName, "timeout", j.Timeout)
		out = append(out, t.outcomeLocked(j, res, now))
	}
	return out
}

// FailJobs completes the given job ids with a worker-lost error. Ids that
// are no longer outstanding are skipped. Used when a worker's connection
// drops with jobs still in flight.
func (t *Table) FailJobs(jobIDs []int, now time.Time) []*Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Outcome
	for _, id := range jobIDs {
		j, ok := t.jobs[id]
		if !ok {
			continue
		}
		t.removeLocked(j)
		res := &protocol.Result{
			JobID:     j.ID,
			Command:   j.Command,
			Timeout:   j.Timeout,
			ErrorMsg:  fmt.Sprintf("worker %s disconnected with job in flight", j.WorkerName),
			ErrorCode: protocol.CodeWorkerLost,
		}
		out = append(out, t.outcomeLocked(j, res, now))
	}
	return out
}

// Withdraw silently removes a job that never reached its worker (the
// request frame could not be written). No outcome is synthesized; the
// caller reports the failure to the submitter directly.
func (t *Table) Withdraw(jobID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	t.removeLocked(j)
	return true
}

// NextDeadline returns the earliest pending expiry, if any.
func (t *Table) NextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiry.Len() == 0 {
		return time.Time{}, false
	}
	return t.expiry[0].Deadline, true
}

// Outstanding returns snapshots of all in-flight jobs, ordered by id.
func (t *Table) Outstanding() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Info, 0, len(t.jobs))
	for _, j := range t.expiry {
		out = append(out, Info{
			ID:         j.ID,
			Worker:     j.WorkerName,
			Plugin:     j.Plugin,
			Command:    j.Command,
			EnqueuedAt: j.EnqueuedAt,
			Deadline:   j.Deadline,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Len returns the number of outstanding jobs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// allocIDLocked takes the most recently released id, growing the counter
// only when the free list is empty. Ids never collide while outstanding.
func (t *Table) allocIDLocked() int {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		return id
	}
	id := t.next
	t.next++
	return id
}

// removeLocked is the single lookup-and-remove point: it cancels the expiry
// entry and releases the id. Exactly one caller wins for any given job.
func (t *Table) removeLocked(j *Job) {
	delete(t.jobs, j.ID)
	if j.heapIndex >= 0 {
		heap.Remove(&t.expiry, j.heapIndex)
	}
	t.free = append(t.free, j.ID)
}

func (t *Table) outcomeLocked(j *Job, res *protocol.Result, now time.Time) *Outcome {
	return &Outcome{
		JobID:       j.ID,
		WorkerID:    j.WorkerID,
		WorkerName:  j.WorkerName,
		Plugin:      j.Plugin,
		Command:     j.Command,
		SubmittedAt: j.EnqueuedAt,
		CompletedAt: now,
		Result:      res,
	}
}
