package e2e

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/checkfarm/internal/dispatch"
	"github.com/opsgrid/checkfarm/internal/events"
	"github.com/opsgrid/checkfarm/internal/history"
	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/logrelay"
	"github.com/opsgrid/checkfarm/internal/mux"
	"github.com/opsgrid/checkfarm/internal/protocol"
	"github.com/opsgrid/checkfarm/internal/registry"
)

func init() {
	log.Setup("ERROR", "json")
}

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []*jobtable.Outcome
}

func (s *outcomeSink) JobCompleted(o *jobtable.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *outcomeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func (s *outcomeSink) get(i int) *jobtable.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[i]
}

type sendProxy struct{ m *mux.Mux }

func (p *sendProxy) Send(connID string, f protocol.Frame) error {
	return p.m.Send(connID, f)
}

type master struct {
	addr  string
	disp  *dispatch.Dispatcher
	reg   *registry.Registry
	table *jobtable.Table
	hist  *history.Store
	sink  *outcomeSink
}

func startMaster(t *testing.T) *master {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	hist := history.NewStore(db)

	reg := registry.New()
	table := jobtable.New()
	sink := &outcomeSink{}
	proxy := &sendProxy{}

	disp, err := dispatch.New(dispatch.Params{
		Sender:      proxy,
		Registry:    reg,
		Table:       table,
		Relay:       logrelay.New(nil),
		Hub:         events.NewHub(64),
		History:     hist,
		Completions: sink,
	})
	require.NoError(t, err)

	m := mux.New(disp, mux.WithHandshakeTimeout(2*time.Second))
	proxy.m = m

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = m.Serve(ctx, ln) }()

	return &master{
		addr:  ln.Addr().String(),
		disp:  disp,
		reg:   reg,
		table: table,
		hist:  hist,
		sink:  sink,
	}
}

// testWorker is a raw-socket worker speaking the wire protocol.
type testWorker struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func connectWorker(t *testing.T, addr string, reg protocol.Registration) *testWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write(reg.Encode())
	require.NoError(t, err)

	w := &testWorker{t: t, conn: conn}
	body := w.readMessage()
	require.Equal(t, protocol.ReplyOK, string(body))
	return w
}

func (w *testWorker) readMessage() []byte {
	w.t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	chunk := make([]byte, 4096)
	for {
		if body, consumed := protocol.NextMessage(w.buf); consumed > 0 {
			w.buf = w.buf[consumed:]
			return body
		}
		n, err := w.conn.Read(chunk)
		require.NoError(w.t, err)
		w.buf = append(w.buf, chunk[:n]...)
	}
}

func (w *testWorker) readFrame() protocol.Frame {
	w.t.Helper()
	body := w.readMessage()
	raw := make([]byte, 0, len(body)+4)
	raw = append(raw, body...)
	raw = append(raw, 0x01, 0x00, 0x00, 0x00)
	f, consumed, err := protocol.Decode(raw)
	require.NoError(w.t, err)
	require.NotZero(w.t, consumed)
	return f
}

func (w *testWorker) sendFrame(f protocol.Frame) {
	w.t.Helper()
	raw, err := protocol.Encode(f)
	require.NoError(w.t, err)
	_, err = w.conn.Write(raw)
	require.NoError(w.t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestCheckRoundTrip(t *testing.T) {
	m := startMaster(t)

	w := connectWorker(t, m.addr, protocol.Registration{
		Name:    "Worker Hoopla",
		PID:     6196,
		MaxJobs: 100,
		Plugins: []string{"check_ping"},
	})

	waitFor(t, func() bool { return len(m.reg.List()) == 1 })

	jobID, err := m.disp.SubmitCheck("/opt/plugins/check_ping -H localhost -w 40%,100.0 -c 60%,200.0", 60*time.Second, "check_ping")
	require.NoError(t, err)
	assert.Equal(t, 0, jobID)

	// The worker receives the request with job_id first.
	reqFrame := w.readFrame()
	require.Equal(t, protocol.ClassJob, protocol.Classify(reqFrame))
	req, err := protocol.ParseJobRequest(reqFrame)
	require.NoError(t, err)
	assert.Equal(t, 0, req.JobID)
	assert.Equal(t, protocol.DefaultJobType, req.Type)
	assert.Equal(t, 60*time.Second, req.Timeout)

	// A log frame on the same socket is relayed, not treated as a result.
	w.sendFrame(protocol.Frame{{Key: "log", Value: "starting check"}})

	now := time.Now()
	res := protocol.Result{
		JobID:    req.JobID,
		Type:     req.Type,
		Start:    now,
		Stop:     now.Add(437 * time.Millisecond),
		Runtime:  0.437,
		Stdout:   "PING OK - Packet loss = 0%",
		ExitedOK: true,
	}
	w.sendFrame(res.Frame())

	waitFor(t, func() bool { return m.sink.count() == 1 })
	out := m.sink.get(0)
	assert.Equal(t, 0, out.JobID)
	assert.Equal(t, "Worker Hoopla", out.WorkerName)
	assert.False(t, out.Result.IsError())
	assert.Equal(t, "PING OK - Packet loss = 0%", out.Result.Stdout)

	// The completion reached the audit trail.
	waitFor(t, func() bool {
		entries, err := m.hist.Recent(context.Background(), 10)
		return err == nil && len(entries) == 1
	})
	entries, err := m.hist.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSucceeded, entries[0].Status)
	assert.Equal(t, "Worker Hoopla", entries[0].Worker)
}

func TestWorkerLostReapsInFlightJobs(t *testing.T) {
	m := startMaster(t)

	w := connectWorker(t, m.addr, protocol.Registration{
		Name:    "w1",
		PID:     1,
		MaxJobs: 10,
	})
	waitFor(t, func() bool { return len(m.reg.List()) == 1 })

	_, err := m.disp.SubmitCheck("/bin/sleep 600", time.Minute, "")
	require.NoError(t, err)
	_, err = m.disp.SubmitCheck("/bin/sleep 600", time.Minute, "")
	require.NoError(t, err)

	// Both requests arrive before the drop.
	w.readFrame()
	w.readFrame()
	require.NoError(t, w.conn.Close())

	waitFor(t, func() bool { return m.sink.count() == 2 })
	for i := 0; i < 2; i++ {
		assert.Equal(t, protocol.CodeWorkerLost, m.sink.get(i).Result.ErrorCode)
	}

	waitFor(t, func() bool { return len(m.reg.List()) == 0 })
	_, err = m.disp.SubmitCheck("/bin/true", time.Minute, "")
	assert.ErrorIs(t, err, dispatch.ErrRejected)
}

func TestRejectedRegistrationGetsErrorReply(t *testing.T) {
	m := startMaster(t)

	conn, err := net.Dial("tcp", m.addr)
	require.NoError(t, err)
	defer conn.Close()

	reg := protocol.Registration{Name: "bad", PID: 1, MaxJobs: 0}
	_, err = conn.Write(reg.Encode())
	require.NoError(t, err)

	w := &testWorker{t: t, conn: conn}
	body := w.readMessage()
	assert.NotEqual(t, protocol.ReplyOK, string(body))
	assert.NotEmpty(t, body)
}

func TestTimeoutSynthesizedByReaper(t *testing.T) {
	m := startMaster(t)

	w := connectWorker(t, m.addr, protocol.Registration{
		Name:    "w1",
		PID:     1,
		MaxJobs: 1,
	})
	waitFor(t, func() bool { return len(m.reg.List()) == 1 })

	jobID, err := m.disp.SubmitCheck("/bin/sleep 600", 50*time.Millisecond, "")
	require.NoError(t, err)
	w.readFrame()

	// Drive the reaper directly rather than running the ticker loop.
	waitFor(t, func() bool {
		m.disp.Tick(time.Now())
		return m.sink.count() == 1
	})
	out := m.sink.get(0)
	assert.Equal(t, jobID, out.JobID)
	assert.Equal(t, protocol.CodeTimeout, out.Result.ErrorCode)

	// A late result for the reaped job is discarded.
	w.sendFrame((&protocol.Result{JobID: jobID, ExitedOK: true}).Frame())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.sink.count())
}
