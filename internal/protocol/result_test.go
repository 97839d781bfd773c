package protocol

import (
	"strings"
	"testing"
	"time"
)

func TestJobRequestFrame(t *testing.T) {
	req := &JobRequest{
		JobID:   0,
		Type:    DefaultJobType,
		Command: "/opt/plugins/check_ping -H localhost -w 40%,100.0 -c 60%,200.0",
		Timeout: 60 * time.Second,
	}

	f := req.RequestFrame()
	if f[0].Key != "job_id" || f[0].Value != "0" {
		t.Errorf("first pair = %+v, want job_id=0", f[0])
	}
	if v, _ := f.Get("type"); v != "2" {
		t.Errorf("type = %q", v)
	}
	if v, _ := f.Get("timeout"); v != "60" {
		t.Errorf("timeout = %q", v)
	}
	if v, _ := f.Get("command"); !strings.Contains(v, "check_ping") {
		t.Errorf("command = %q", v)
	}

	back, err := ParseJobRequest(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *back != *req {
		t.Errorf("round trip: got %+v, want %+v", back, req)
	}
}

func TestParseJobRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"missing job_id", Frame{{Key: "command", Value: "x"}}},
		{"missing command", Frame{{Key: "job_id", Value: "1"}}},
		{"bad job_id", Frame{{Key: "job_id", Value: "x"}, {Key: "command", Value: "c"}}},
		{"negative timeout", Frame{{Key: "job_id", Value: "1"}, {Key: "command", Value: "c"}, {Key: "timeout", Value: "-5"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJobRequest(tt.frame); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestResultFrameSuccess(t *testing.T) {
	start := time.Unix(1756640000, 123456000)
	res := &Result{
		JobID:      0,
		Type:       DefaultJobType,
		Start:      start,
		Stop:       start.Add(437 * time.Millisecond),
		Runtime:    0.437,
		Stdout:     "PING OK - Packet loss = 0%, RTA = 0.06 ms",
		Stderr:     "",
		ExitedOK:   true,
		WaitStatus: 0,
		Rusage:     &Rusage{Utime: 0.01, Stime: 0.002, Minflt: 311},
	}

	f := res.Frame()
	if Classify(f) != ClassJob {
		t.Fatal("success frame must classify as job")
	}
	if v, _ := f.Get("start"); v != "1756640000.123456" {
		t.Errorf("start = %q", v)
	}
	if v, _ := f.Get("exited_ok"); v != "1" {
		t.Errorf("exited_ok = %q", v)
	}
	if _, ok := f.Get("error_code"); ok {
		t.Error("success frame must not carry error_code")
	}

	back, err := ParseResult(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.IsError() {
		t.Error("parsed success result reports IsError")
	}
	if !back.Start.Equal(start) {
		t.Errorf("start = %v, want %v", back.Start, start)
	}
	if back.Stdout != res.Stdout || back.WaitStatus != 0 || !back.ExitedOK {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.Rusage == nil || back.Rusage.Minflt != 311 {
		t.Errorf("rusage = %+v", back.Rusage)
	}
}

func TestResultFrameError(t *testing.T) {
	res := &Result{
		JobID:     9,
		ErrorMsg:  "job timed out",
		ErrorCode: CodeTimeout,
	}

	f := res.Frame()
	if f[0].Key != "job_id" {
		t.Fatal("job_id must come first")
	}
	if _, ok := f.Get("outstd"); ok {
		t.Error("error frame must not carry success fields")
	}

	back, err := ParseResult(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.IsError() || back.ErrorCode != 62 {
		t.Errorf("parsed error result = %+v", back)
	}
}

func TestParseResultRejectsNonJobFrames(t *testing.T) {
	f := Frame{{Key: "type", Value: "2"}, {Key: "job_id", Value: "0"}}
	if _, err := ParseResult(f); err == nil {
		t.Error("frame with job_id not first must be rejected")
	}
}

func TestParseTimeval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"1756640000.123456", time.Unix(1756640000, 123456000)},
		{"1756640000.5", time.Unix(1756640000, 500000000)},
		{"1756640000", time.Unix(1756640000, 0)},
	}

	for _, tt := range tests {
		got, err := parseTimeval(tt.in)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("%q: got %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := parseTimeval("not.a.time"); err == nil {
		t.Error("expected error for malformed timeval")
	}
}
