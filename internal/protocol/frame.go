// Package protocol implements the master/worker wire format: ordered
// key=value pairs, NUL-terminated, with a fixed 4-byte message delimiter.
// Both directions of the protocol share the same grammar; meaning is
// carried by pair order (a job response puts job_id first) and by shape
// (a lone log pair is a log message, not a job result).
package protocol

// Pair is a single key/value element of a frame. Order is significant.
type Pair struct {
	Key   string
	Value string
}

// Frame is an ordered sequence of pairs. A zero-length value is valid and
// distinct from an absent key.
type Frame []Pair

// Get returns the value for the first pair with the given key.
func (f Frame) Get(key string) (string, bool) {
	for _, p := range f {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Add appends a pair to the frame.
func (f *Frame) Add(key, value string) {
	*f = append(*f, Pair{Key: key, Value: value})
}

// Class discriminates the three frame shapes a worker may send.
type Class int

const (
	// ClassJob is a job response: the first key is job_id.
	ClassJob Class = iota + 1
	// ClassLog is a log message: exactly one pair with key "log".
	ClassLog
	// ClassAnomaly is any other shape. Anomalies are logged and dropped,
	// never propagated as errors.
	ClassAnomaly
)

// Classify determines the shape of a decoded frame. A frame whose first
// key is job_id is job-class even if it also carries a log key; a frame
// with job_id in any later position is NOT a job response.
func Classify(f Frame) Class {
	if len(f) > 0 && f[0].Key == "job_id" {
		return ClassJob
	}
	if len(f) == 1 && f[0].Key == "log" {
		return ClassLog
	}
	return ClassAnomaly
}

// FramingError reports malformed bytes on a connection. The connection
// carrying them is closed; other connections are unaffected.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// RegistrationError reports an invalid handshake. The connection is closed
// with an error reply, never silently accepted.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return "registration error: " + e.Reason
}
