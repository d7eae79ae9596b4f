// Package upstream opens connections to provider endpoints, translates
// payloads between wire formats, streams responses back and classifies
// failures for the retry loop.
package upstream

import (
	"bufio"
	"bytes"
	"io"
)

const maxSSELineSize = 1 << 20 // model outputs can carry large json lines

// SSEEvent is one parsed server-sent event. Raw holds the original frame
// bytes for passthrough forwarding.
type SSEEvent struct {
	Name string
	Data []byte
	Raw  []byte
}

// SSEReader incrementally parses an event stream.
type SSEReader struct {
	s *bufio.Scanner
}

// NewSSEReader wraps an upstream body.
func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELineSize)
	return &SSEReader{s: s}
}

// Next returns the next event, io.EOF at end of stream. Comment-only
// frames are skipped; multi-line data is joined with newlines.
func (r *SSEReader) Next() (*SSEEvent, error) {
	var ev SSEEvent
	var data [][]byte
	for r.s.Scan() {
		line := r.s.Bytes()
		trimmed := bytes.TrimRight(line, "\r")
		ev.Raw = append(ev.Raw, line...)
		ev.Raw = append(ev.Raw, '\n')

		if len(trimmed) == 0 {
			if len(data) == 0 && ev.Name == "" {
				ev.Raw = ev.Raw[:0] // empty frame, keep scanning
				continue
			}
			ev.Data = bytes.Join(data, []byte("\n"))
			return &ev, nil
		}
		if trimmed[0] == ':' {
			continue
		}
		key, value, found := bytes.Cut(trimmed, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(key) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}
	if err := r.s.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 || ev.Name != "" {
		ev.Data = bytes.Join(data, []byte("\n"))
		return &ev, nil
	}
	return nil, io.EOF
}
