package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/opsgrid/checkfarm/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunJobSuccess(t *testing.T) {
	req := &protocol.JobRequest{
		JobID:   1,
		Type:    protocol.DefaultJobType,
		Command: "echo hello",
		Timeout: 10 * time.Second,
	}

	res := runJob(context.Background(), req, time.Second, testLogger())

	if res.IsError() {
		t.Fatalf("unexpected error result: code=%d msg=%q", res.ErrorCode, res.ErrorMsg)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("stdout = %q, want to contain %q", res.Stdout, "hello")
	}
	if !res.ExitedOK {
		t.Error("exited_ok = false, want true")
	}
	if res.Runtime < 0 {
		t.Errorf("runtime = %f, want non-negative", res.Runtime)
	}
	if res.Rusage == nil {
		t.Error("rusage not captured")
	}
}

func TestRunJobNonZeroExit(t *testing.T) {
	req := &protocol.JobRequest{
		JobID:   2,
		Type:    protocol.DefaultJobType,
		Command: "echo warn; exit 1",
		Timeout: 10 * time.Second,
	}

	res := runJob(context.Background(), req, time.Second, testLogger())

	// A non-zero plugin exit is still a normal result, not the error
	// variant: the exit code travels in wait_status.
	if res.IsError() {
		t.Fatalf("unexpected error result: code=%d msg=%q", res.ErrorCode, res.ErrorMsg)
	}
	if !res.ExitedOK {
		t.Error("exited_ok = false, want true for a normal exit")
	}
	if res.WaitStatus == 0 {
		t.Error("wait_status = 0, want non-zero for exit 1")
	}
}

func TestRunJobCapturesStderr(t *testing.T) {
	req := &protocol.JobRequest{
		JobID:   3,
		Type:    protocol.DefaultJobType,
		Command: "echo oops >&2",
		Timeout: 10 * time.Second,
	}

	res := runJob(context.Background(), req, time.Second, testLogger())

	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q, want to contain %q", res.Stderr, "oops")
	}
}

func TestRunJobTimeout(t *testing.T) {
	req := &protocol.JobRequest{
		JobID:   4,
		Type:    protocol.DefaultJobType,
		Command: "sleep 30",
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	res := runJob(context.Background(), req, 200*time.Millisecond, testLogger())
	elapsed := time.Since(start)

	if res.ErrorCode != protocol.CodeTimeout {
		t.Fatalf("error_code = %d, want %d", res.ErrorCode, protocol.CodeTimeout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("runJob took %s, the kill sequence did not fire", elapsed)
	}
}

func TestRunJobResultFrameLeadsWithJobID(t *testing.T) {
	req := &protocol.JobRequest{
		JobID:   5,
		Type:    protocol.DefaultJobType,
		Command: "true",
		Timeout: 10 * time.Second,
	}

	res := runJob(context.Background(), req, time.Second, testLogger())
	f := res.Frame()
	if got := f[0].Key; got != "job_id" {
		t.Fatalf("first frame key = %q, want job_id", got)
	}
	if protocol.Classify(f) != protocol.ClassJob {
		t.Error("result frame does not classify as a job response")
	}
}
