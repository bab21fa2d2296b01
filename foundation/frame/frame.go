// Package frame encodes and decodes telemetry records to and from
// newline-terminated JSON frames.
//
// A record is an open JSON object; the transport never enforces a schema.
// The Decoder accepts reads of any size, including one byte at a time, and
// yields exactly one record per complete frame.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jroedel/sensorrelay/foundation/relayerr"
)

// MaxFrameSize bounds how much the decoder buffers while waiting for a newline.
const MaxFrameSize = 64 * 1024

const delimiter = '\n'

var (
	// ErrIncomplete no newline has arrived yet; keep buffering
	ErrIncomplete = errors.New("frame: incomplete")
	// ErrEmptyFrame a blank line was consumed
	ErrEmptyFrame = errors.New("frame: empty")
)

// Record is one telemetry reading, e.g. {"temperatura":21.0,"humedad":38.0}.
type Record map[string]any

// Clone returns a deep copy so the caller may keep it past any lock scope.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Float returns the named field as a float64 when it holds a number.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Encode serializes rec as a single frame: compact JSON followed by '\n'.
// encoding/json escapes control characters, so the payload never contains a
// raw newline.
func Encode(rec Record) ([]byte, error) {
	if rec == nil {
		rec = Record{}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(b, delimiter), nil
}

// ParseLine parses one undelimited line into a record. Surrounding
// whitespace, including the '\r' of serial line endings, is ignored.
func ParseLine(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyFrame
	}
	if line[0] != '{' {
		return nil, relayerr.E(relayerr.MalformedFrame, "parse frame", fmt.Errorf("not a json object: %q", truncate(line)))
	}
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, relayerr.E(relayerr.MalformedFrame, "parse frame", fmt.Errorf("%w: %q", err, truncate(line)))
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// Decode splits buf on the first newline and parses the segment before it.
// It always returns the bytes that remain to be processed:
//   - no newline yet: nil, buf, ErrIncomplete
//   - blank line: nil, remainder, ErrEmptyFrame
//   - unparsable segment: nil, remainder, a MalformedFrame error
func Decode(buf []byte) (Record, []byte, error) {
	i := bytes.IndexByte(buf, delimiter)
	if i < 0 {
		return nil, buf, ErrIncomplete
	}
	rest := buf[i+1:]
	rec, err := ParseLine(buf[:i])
	if err != nil {
		return nil, rest, err
	}
	return rec, rest, nil
}

func truncate(b []byte) []byte {
	const max = 80
	if len(b) > max {
		return b[:max]
	}
	return b
}
