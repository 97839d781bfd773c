package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved error codes. Codes 0-10000 belong to the core protocol and are
// never invented by implementers of new variables.
const (
	// CodeTimeout marks a job that exceeded its timeout before answering.
	CodeTimeout = 62
	// CodeWorkerLost marks a job whose owning worker disconnected while
	// the job was in flight.
	CodeWorkerLost = 107
)

// DefaultJobType is the job type emitted for external check commands.
const DefaultJobType = 2

// JobRequest is a decoded master-to-worker job frame.
type JobRequest struct {
	JobID   int
	Type    int
	Command string
	Timeout time.Duration
}

// RequestFrame builds the wire frame for a job request. job_id must be
// emitted; ordering of the remaining keys is not significant for requests.
func (r *JobRequest) RequestFrame() Frame {
	return Frame{
		{Key: "job_id", Value: strconv.Itoa(r.JobID)},
		{Key: "type", Value: strconv.Itoa(r.Type)},
		{Key: "command", Value: r.Command},
		{Key: "timeout", Value: strconv.FormatUint(uint64(r.Timeout/time.Second), 10)},
	}
}

// ParseJobRequest decodes a job request frame on the worker side. Unknown
// keys are ignored so future master versions stay compatible.
func ParseJobRequest(f Frame) (*JobRequest, error) {
	req := &JobRequest{}
	seen := false
	for _, p := range f {
		switch p.Key {
		case "job_id":
			id, err := strconv.Atoi(p.Value)
			if err != nil {
				return nil, fmt.Errorf("job_id %q is not an integer", p.Value)
			}
			req.JobID = id
			seen = true
		case "type":
			t, err := strconv.Atoi(p.Value)
			if err != nil {
				return nil, fmt.Errorf("type %q is not an integer", p.Value)
			}
			req.Type = t
		case "command":
			req.Command = p.Value
		case "timeout":
			secs, err := strconv.ParseUint(p.Value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("timeout %q is not an unsigned integer", p.Value)
			}
			req.Timeout = time.Duration(secs) * time.Second
		}
	}
	if !seen {
		return nil, fmt.Errorf("job request missing job_id")
	}
	if req.Command == "" {
		return nil, fmt.Errorf("job request missing command")
	}
	return req, nil
}

// Rusage mirrors the resource-usage fields a worker may report for a
// finished check. All fields are optional on the wire; workers omit them
// when the host cannot supply them.
type Rusage struct {
	Utime    float64
	Stime    float64
	Minflt   int64
	Majflt   int64
	Nswap    int64
	Nsignals int64
	Inblock  int64
	Oublock  int64
}

// Result is the decoded response for one job: either the full success
// variable set or the error variant, never both.
type Result struct {
	JobID      int
	Type       int
	Start      time.Time
	Stop       time.Time
	Runtime    float64
	Stdout     string
	Stderr     string
	ExitedOK   bool
	WaitStatus int

	// Optional echoes of the request.
	Command string
	Timeout time.Duration

	// Error variant. A non-zero code (or non-empty message) replaces the
	// success fields.
	ErrorMsg  string
	ErrorCode int

	Rusage *Rusage
}

// IsError reports whether the result carries the error variant.
func (r *Result) IsError() bool {
	return r.ErrorCode != 0 || r.ErrorMsg != ""
}

// Frame serializes the result with job_id as the first pair, as the
// response grammar requires.
func (r *Result) Frame() Frame {
	f := Frame{{Key: "job_id", Value: strconv.Itoa(r.JobID)}}

	if r.IsError() {
		f.Add("error_msg", r.ErrorMsg)
		f.Add("error_code", strconv.Itoa(r.ErrorCode))
	} else {
		f.Add("type", strconv.Itoa(r.Type))
		f.Add("start", formatTimeval(r.Start))
		f.Add("stop", formatTimeval(r.Stop))
		f.Add("runtime", strconv.FormatFloat(r.Runtime, 'f', 6, 64))
		f.Add("outstd", r.Stdout)
		f.Add("outerr", r.Stderr)
		f.Add("exited_ok", boolField(r.ExitedOK))
		f.Add("wait_status", strconv.Itoa(r.WaitStatus))
	}

	if r.Command != "" {
		f.Add("command", r.Command)
	}
	if r.Timeout > 0 {
		f.Add("timeout", strconv.FormatUint(uint64(r.Timeout/time.Second), 10))
	}
	if ru := r.Rusage; ru != nil {
		f.Add("ru_utime", strconv.FormatFloat(ru.Utime, 'f', 6, 64))
		f.Add("ru_stime", strconv.FormatFloat(ru.Stime, 'f', 6, 64))
		f.Add("ru_minflt", strconv.FormatInt(ru.Minflt, 10))
		f.Add("ru_majflt", strconv.FormatInt(ru.Majflt, 10))
		f.Add("ru_nswap", strconv.FormatInt(ru.Nswap, 10))
		f.Add("ru_nsignals", strconv.FormatInt(ru.Nsignals, 10))
		f.Add("ru_inblock", strconv.FormatInt(ru.Inblock, 10))
		f.Add("ru_oublock", strconv.FormatInt(ru.Oublock, 10))
	}
	return f
}

// ParseResult decodes a job-class frame into a Result. The frame must
// already be classified as ClassJob (job_id first).
func ParseResult(f Frame) (*Result, error) {
	if Classify(f) != ClassJob {
		return nil, fmt.Errorf("frame is not a job response")
	}

	res := &Result{}
	ru := Rusage{}
	haveRusage := false

	for _, p := range f {
		var err error
		switch p.Key {
		case "job_id":
			res.JobID, err = strconv.Atoi(p.Value)
		case "type":
			res.Type, err = strconv.Atoi(p.Value)
		case "start":
			res.Start, err = parseTimeval(p.Value)
		case "stop":
			res.Stop, err = parseTimeval(p.Value)
		case "runtime":
			res.Runtime, err = strconv.ParseFloat(p.Value, 64)
		case "outstd":
			res.Stdout = p.Value
		case "outerr":
			res.Stderr = p.Value
		case "exited_ok":
			res.ExitedOK = p.Value == "1"
		case "wait_status":
			res.WaitStatus, err = strconv.Atoi(p.Value)
		case "command":
			res.Command = p.Value
		case "timeout":
			var secs uint64
			secs, err = strconv.ParseUint(p.Value, 10, 32)
			res.Timeout = time.Duration(secs) * time.Second
		case "error_msg":
			res.ErrorMsg = p.Value
		case "error_code":
			res.ErrorCode, err = strconv.Atoi(p.Value)
		case "ru_utime":
			ru.Utime, err = strconv.ParseFloat(p.Value, 64)
			haveRusage = true
		case "ru_stime":
			ru.Stime, err = strconv.ParseFloat(p.Value, 64)
			haveRusage = true
		case "ru_minflt":
			ru.Minflt, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		case "ru_majflt":
			ru.Majflt, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		case "ru_nswap":
			ru.Nswap, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		case "ru_nsignals":
			ru.Nsignals, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		case "ru_inblock":
			ru.Inblock, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		case "ru_oublock":
			ru.Oublock, err = strconv.ParseInt(p.Value, 10, 64)
			haveRusage = true
		}
		if err != nil {
			return nil, fmt.Errorf("response field %s=%q: %w", p.Key, p.Value, err)
		}
	}

	if haveRusage {
		res.Rusage = &ru
	}
	return res, nil
}

// formatTimeval renders a timestamp as seconds.microseconds.
func formatTimeval(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func parseTimeval(s string) (time.Time, error) {
	secs, usecs := int64(0), int64(0)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		var err error
		secs, err = strconv.ParseInt(s[:dot], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		frac := s[dot+1:]
		// Normalize to microseconds regardless of written precision.
		for len(frac) < 6 {
			frac += "0"
		}
		usecs, err = strconv.ParseInt(frac[:6], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
	} else {
		var err error
		secs, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(secs, usecs*1000), nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
