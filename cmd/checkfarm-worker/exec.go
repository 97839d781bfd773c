package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/opsgrid/checkfarm/internal/protocol"
)

// runJob executes one check command under the job's timeout, enforcing
// SIGTERM then SIGKILL after the grace period. It always produces a result
// frame: the full success variable set, or the error variant on spawn
// failure or timeout.
func runJob(ctx context.Context, req *protocol.JobRequest, grace time.Duration, logger *slog.Logger) *protocol.Result {
	res := &protocol.Result{
		JobID:   req.JobID,
		Type:    req.Type,
		Command: req.Command,
		Timeout: req.Timeout,
	}

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.ErrorMsg = fmt.Sprintf("failed to start command: %v", err)
		res.ErrorCode = 2
		return res
	}

	timeoutTimer := time.NewTimer(req.Timeout)
	defer timeoutTimer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timedOut bool
	select {
	case err := <-waitErr:
		fillResult(res, cmd, start, &stdout, &stderr, err)

	case <-timeoutTimer.C:
		timedOut = true
		logger.Warn("job timed out, sending SIGTERM", "timeout", req.Timeout)
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		graceTimer := time.NewTimer(grace)
		defer graceTimer.Stop()
		select {
		case <-waitErr:
		case <-graceTimer.C:
			logger.Warn("job did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitErr
		}

	case <-ctx.Done():
		// Worker shutting down; kill outright, the master will reap the
		// job as lost.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
	}

	if timedOut {
		res.ErrorMsg = fmt.Sprintf("job timed out after %s", req.Timeout)
		res.ErrorCode = protocol.CodeTimeout
	}
	return res
}

func fillResult(res *protocol.Result, cmd *exec.Cmd, start time.Time, stdout, stderr *bytes.Buffer, waitErr error) {
	stop := time.Now()
	res.Start = start
	res.Stop = stop
	res.Runtime = stop.Sub(start).Seconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			res.ErrorMsg = fmt.Sprintf("wait failed: %v", waitErr)
			res.ErrorCode = 3
			return
		}
	}

	state := cmd.ProcessState
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		res.ExitedOK = ws.Exited()
		res.WaitStatus = int(ws)
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		res.Rusage = &protocol.Rusage{
			Utime:    timevalSeconds(ru.Utime),
			Stime:    timevalSeconds(ru.Stime),
			Minflt:   ru.Minflt,
			Majflt:   ru.Majflt,
			Nswap:    ru.Nswap,
			Nsignals: ru.Nsignals,
			Inblock:  ru.Inblock,
			Oublock:  ru.Oublock,
		}
	}
}

func timevalSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
