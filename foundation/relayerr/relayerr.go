// Package relayerr holds the closed set of error kinds the relay and its
// clients report. Every steady-state error carries one of these kinds so
// callers can decide between skip, prune, retry and reconnect without
// matching on error strings.
package relayerr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	// MalformedFrame a single frame failed to parse; the frame is dropped
	MalformedFrame Kind = iota + 1
	// PeerUnreachable connect, accept, send or receive failed
	PeerUnreachable
	// UpstreamReadFailure the sensor source returned an error
	UpstreamReadFailure
	// BindFailure the server could not acquire its listening address
	BindFailure
)

func (k Kind) String() string {
	switch k {
	case MalformedFrame:
		return "malformed frame"
	case PeerUnreachable:
		return "peer unreachable"
	case UpstreamReadFailure:
		return "upstream read failure"
	case BindFailure:
		return "bind failure"
	default:
		return "unknown"
	}
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
