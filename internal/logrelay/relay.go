// Package logrelay forwards single-key log frames from workers to the
// core's log sink, prefixed with the sending worker's name.
package logrelay

import (
	"log/slog"

	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

// Sink receives the prefixed log lines. The monitoring core supplies its
// own implementation; the default writes through the process logger.
type Sink interface {
	WriteLog(line string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(line string)

func (f SinkFunc) WriteLog(line string) { f(line) }

// Relay routes worker log frames to the sink.
type Relay struct {
	sink   Sink
	logger *slog.Logger
}

func New(sink Sink) *Relay {
	logger := log.WithComponent("logrelay")
	if sink == nil {
		sink = SinkFunc(func(line string) {
			logger.Info("worker log", "line", line)
		})
	}
	return &Relay{sink: sink, logger: logger}
}

// Forward hands one log frame to the sink, prefixed with workerName.
// Mis-shaped frames are a protocol anomaly: logged and dropped, never
// treated as job traffic.
func (r *Relay) Forward(workerName string, f protocol.Frame) {
	if protocol.Classify(f) != protocol.ClassLog {
		r.logger.Warn("mis-shaped log frame dropped", "worker", workerName, "pairs", len(f))
		return
	}
	r.sink.WriteLog(workerName + ": " + f[0].Value)
}
