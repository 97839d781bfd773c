package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// delimiter terminates every message: one non-zero byte followed by three
// zero bytes. Keys and values cannot contain NUL, so the sequence can never
// appear inside a pair.
var delimiter = []byte{0x01, 0x00, 0x00, 0x00}

// DelimiterLen is the size of the message delimiter in bytes.
const DelimiterLen = len("\x01\x00\x00\x00")

// Encode serializes a frame: each pair as key=value followed by a zero
// byte, then the message delimiter. Returns a FramingError if any key or
// value violates the grammar.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range f {
		if err := validateKey(p.Key); err != nil {
			return nil, err
		}
		if strings.IndexByte(p.Value, 0) >= 0 {
			return nil, &FramingError{Reason: fmt.Sprintf("value for key %q contains NUL", p.Key)}
		}
		buf.WriteString(p.Key)
		buf.WriteByte('=')
		buf.WriteString(p.Value)
		buf.WriteByte(0)
	}
	buf.Write(delimiter)
	return buf.Bytes(), nil
}

// NextMessage scans buf for the next complete delimiter-terminated message
// and returns its body (without the delimiter) and the total bytes
// consumed. A consumed count of 0 means the message is still incomplete
// and the caller should accumulate more bytes.
func NextMessage(buf []byte) (body []byte, consumed int) {
	i := bytes.Index(buf, delimiter)
	if i < 0 {
		return nil, 0
	}
	return buf[:i], i + DelimiterLen
}

// Decode scans buf for the next complete message and parses it into a
// frame, preserving pair order. Returns (nil, 0, nil) if no complete
// message is buffered yet. Returns a FramingError for malformed structure;
// the reported consumed count still covers the bad message so the caller
// can decide whether to resynchronize or drop the connection.
func Decode(buf []byte) (Frame, int, error) {
	body, consumed := NextMessage(buf)
	if consumed == 0 {
		return nil, 0, nil
	}

	f, err := parsePairs(body)
	if err != nil {
		return nil, consumed, err
	}
	return f, consumed, nil
}

func parsePairs(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, nil
	}
	if body[len(body)-1] != 0 {
		return nil, &FramingError{Reason: "last pair has no terminating zero byte"}
	}

	segments := strings.Split(string(body[:len(body)-1]), "\x00")
	f := make(Frame, 0, len(segments))
	for _, seg := range segments {
		eq := strings.IndexByte(seg, '=')
		if eq < 0 {
			return nil, &FramingError{Reason: fmt.Sprintf("pair %q has no '='", seg)}
		}
		if eq == 0 {
			return nil, &FramingError{Reason: "pair has empty key"}
		}
		f = append(f, Pair{Key: seg[:eq], Value: seg[eq+1:]})
	}
	return f, nil
}

func validateKey(key string) error {
	if key == "" {
		return &FramingError{Reason: "empty key"}
	}
	if strings.IndexByte(key, '=') >= 0 {
		return &FramingError{Reason: fmt.Sprintf("key %q contains '='", key)}
	}
	if strings.IndexByte(key, 0) >= 0 {
		return &FramingError{Reason: fmt.Sprintf("key %q contains NUL", key)}
	}
	return nil
}
