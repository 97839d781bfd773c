package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ReplyOK is the literal registration success reply.
const ReplyOK = "OK"

// Registration is the decoded handshake a worker sends on connect:
// name=<string>;pid=<int>;max_jobs=<int>;plugin=<name> with the plugin
// key repeating once per advertised plugin basename. This is the one
// message class that separates pairs with ';' instead of NUL; it is still
// terminated by the standard message delimiter.
type Registration struct {
	Name    string
	PID     int
	MaxJobs int
	Plugins []string
}

// ParseRegistration decodes a registration message body (the bytes before
// the delimiter). Unknown keys are ignored for forward compatibility.
func ParseRegistration(body []byte) (*Registration, error) {
	if bytes.IndexByte(body, 0) >= 0 {
		return nil, &RegistrationError{Reason: "registration contains NUL separator"}
	}

	reg := &Registration{}
	for _, field := range strings.Split(string(body), ";") {
		if field == "" {
			continue
		}
		eq := strings.IndexByte(field, '=')
		if eq <= 0 {
			return nil, &RegistrationError{Reason: fmt.Sprintf("malformed field %q", field)}
		}
		key, value := field[:eq], field[eq+1:]

		switch key {
		case "name":
			reg.Name = value
		case "pid":
			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, &RegistrationError{Reason: fmt.Sprintf("pid %q is not an integer", value)}
			}
			reg.PID = pid
		case "max_jobs":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, &RegistrationError{Reason: fmt.Sprintf("max_jobs %q is not an integer", value)}
			}
			reg.MaxJobs = n
		case "plugin":
			reg.Plugins = append(reg.Plugins, value)
		}
	}

	if reg.Name == "" {
		return nil, &RegistrationError{Reason: "missing worker name"}
	}
	return reg, nil
}

// Encode serializes the registration in wire order, delimiter-terminated.
func (r *Registration) Encode() []byte {
	fields := []string{
		"name=" + r.Name,
		"pid=" + strconv.Itoa(r.PID),
		"max_jobs=" + strconv.Itoa(r.MaxJobs),
	}
	for _, p := range r.Plugins {
		fields = append(fields, "plugin="+p)
	}

	var buf bytes.Buffer
	buf.WriteString(strings.Join(fields, ";"))
	buf.Write(delimiter)
	return buf.Bytes()
}

// EncodeReply frames a registration reply: the literal OK, or an error
// string describing why the handshake was rejected.
func EncodeReply(msg string) []byte {
	var buf bytes.Buffer
	buf.WriteString(msg)
	buf.Write(delimiter)
	return buf.Bytes()
}
