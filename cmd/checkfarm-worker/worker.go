package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

const (
	readChunk        = 16 * 1024
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

type workerConfig struct {
	Master  string
	Name    string
	MaxJobs int
	Plugins []string
	Grace   time.Duration
}

type worker struct {
	cfg    workerConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu   sync.Mutex // guards conn writes
	conn net.Conn
}

func newWorker(cfg workerConfig) *worker {
	return &worker{
		cfg:    cfg,
		logger: log.WithWorker(cfg.Name),
		sem:    semaphore.NewWeighted(int64(cfg.MaxJobs)),
	}
}

// run connects to the master and serves jobs until ctx is cancelled,
// reconnecting with capped backoff whenever the connection drops.
func (w *worker) run(ctx context.Context) error {
	for {
		backoff := retry.WithCappedDuration(maxReconnectWait, retry.NewFibonacci(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := w.session(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("session ended, reconnecting", "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		// Session closed cleanly without cancellation; reconnect with
		// fresh backoff.
	}
}

// session dials the master, registers, and serves job requests until the
// connection is lost.
func (w *worker) session(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", w.cfg.Master, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.Master, err)
	}
	defer conn.Close()

	// Unblock reads when the worker shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.register(conn); err != nil {
		return err
	}
	w.logger.Info("registered with master", "master", w.cfg.Master, "max_jobs", w.cfg.MaxJobs)

	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if err := w.drain(ctx, &buf); err != nil {
				return err
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (w *worker) register(conn net.Conn) error {
	reg := protocol.Registration{
		Name:    w.cfg.Name,
		PID:     os.Getpid(),
		MaxJobs: w.cfg.MaxJobs,
		Plugins: w.cfg.Plugins,
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(reg.Encode()); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var buf []byte
	chunk := make([]byte, 256)
	for {
		body, consumed := protocol.NextMessage(buf)
		if consumed > 0 {
			if string(body) != protocol.ReplyOK {
				return fmt.Errorf("registration rejected: %s", body)
			}
			return nil
		}

		n, err := conn.Read(chunk)
		if err != nil {
			return fmt.Errorf("read registration reply: %w", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

// drain decodes complete messages out of buf and starts a job goroutine for
// each request.
func (w *worker) drain(ctx context.Context, buf *[]byte) error {
	for {
		f, consumed, err := protocol.Decode(*buf)
		if consumed == 0 {
			return nil
		}
		*buf = (*buf)[consumed:]
		if err != nil {
			return fmt.Errorf("malformed message from master: %w", err)
		}

		req, err := protocol.ParseJobRequest(f)
		if err != nil {
			w.logger.Warn("dropping unparseable job request", "error", err)
			continue
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(req *protocol.JobRequest) {
			defer w.sem.Release(1)
			w.execute(ctx, req)
		}(req)
	}
}

func (w *worker) execute(ctx context.Context, req *protocol.JobRequest) {
	logger := w.logger.With("job_id", req.JobID)
	logger.Debug("executing", "command", req.Command, "timeout", req.Timeout)

	res := runJob(ctx, req, w.cfg.Grace, logger)
	if res.IsError() {
		w.sendLog(fmt.Sprintf("job %d failed: %s", req.JobID, res.ErrorMsg))
	}

	if err := w.send(res.Frame()); err != nil {
		logger.Error("failed to send result", "error", err)
	}
}

func (w *worker) send(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	_, err = w.conn.Write(raw)
	return err
}

// sendLog forwards a line to the master's log. Best effort.
func (w *worker) sendLog(msg string) {
	_ = w.send(protocol.Frame{{Key: "log", Value: msg}})
}
