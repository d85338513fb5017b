// Package envelope defines the task envelope carried on every tube:
// a payload (Data, Stop, Fail, or Cancel) plus the relay counter used by
// the stop-relay protocol.
package envelope

import "errors"

// ErrCancelled tags the WorkException wrapping a Cancel token as it is
// forwarded downstream as a Fail-equivalent, letting Pipeline.Get
// distinguish "the caller cancelled the run" from "a task failed"
// even though both travel as Fail envelopes from here on.
var ErrCancelled = errors.New("tubeline: cancelled")

// Payload is the closed set of things that can travel on a tube.
// It is intentionally not generic: Stop, Fail, and Cancel must be able
// to cross a tube whose Data carries any T.
type Payload interface {
	payload()
}

// Data carries an input (or a worker's result for it) tagged with its
// pipeline-assigned index.
type Data[T any] struct {
	Index uint64
	Value T
}

func (Data[T]) payload() {}

// Stop is the end-of-stream marker. RelayCount on the enclosing Envelope
// tracks how many of a stage's sibling workers have already observed it.
type Stop struct{}

func (Stop) payload() {}

// Fail is a poison token carrying an upstream failure. Offending carries
// the task index the failure subsumes, or -1 when no single index applies
// (e.g. a tube-transport error observed before a task was dequeued).
type Fail struct {
	Err       error
	Offending int64
}

func (Fail) payload() {}

// Cancel is an asynchronous interruption originating from the caller.
type Cancel struct {
	Reason string
}

func (Cancel) payload() {}

// Envelope is the (payload, relay_count) pair that actually rides a tube.
type Envelope struct {
	Payload    Payload
	RelayCount int
}

// NewData wraps a value in a Data payload at RelayCount zero, the shape
// Stage.Put produces for fresh input, with relay_count starting at 0.
func NewData[T any](index uint64, value T) Envelope {
	return Envelope{Payload: Data[T]{Index: index, Value: value}}
}

// NewStop produces a fresh Stop envelope at RelayCount zero.
func NewStop() Envelope {
	return Envelope{Payload: Stop{}}
}

// NewFail wraps err as a poison token referencing the offending task index.
func NewFail(err error, offending int64) Envelope {
	return Envelope{Payload: Fail{Err: err, Offending: offending}}
}

// NewCancel produces a Cancel envelope.
func NewCancel(reason string) Envelope {
	return Envelope{Payload: Cancel{Reason: reason}}
}

// Relayed returns a copy of the envelope with its relay counter
// incremented, used when a Fail payload that does not carry a
// WorkException is re-injected onto a stage's own input tube.
func (e Envelope) Relayed() Envelope {
	return Envelope{Payload: e.Payload, RelayCount: e.RelayCount + 1}
}
