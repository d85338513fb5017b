// Package workexc implements WorkException, the poison-token wrapper
// that carries a worker-side failure, its originating stage name, and the
// offending task across goroutine (and, conceptually, process) boundaries
// with its diagnostic context intact.
package workexc

import (
	"fmt"

	"github.com/pkg/errors"
)

// WorkException wraps an original error with the stage that produced it
// and the task it was processing. Go has no native traceback object that
// survives a channel hop the way a captured stack trace does, so the
// original error is captured with github.com/pkg/errors.WithStack at the
// point of failure; that stack is what ReRaise surfaces later.
type WorkException struct {
	StageName     string
	OffendingTask any
	cause         error
}

// New wraps orig as a WorkException attributed to stageName, capturing a
// stack trace at the call site.
func New(orig error, stageName string, offendingTask any) *WorkException {
	return &WorkException{
		StageName:     stageName,
		OffendingTask: offendingTask,
		cause:         errors.WithStack(orig),
	}
}

func (w *WorkException) Error() string {
	return fmt.Sprintf("WorkException in stage %q on task %v: %v", w.StageName, w.OffendingTask, w.cause)
}

// Unwrap exposes the original cause for errors.Is/errors.As.
func (w *WorkException) Unwrap() error {
	return w.cause
}

// Format implements fmt.Formatter so %+v prints the captured stack, the
// same opt-in verbosity github.com/pkg/errors uses elsewhere.
func (w *WorkException) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%+v", w.Error(), w.cause)
		return
	}
	fmt.Fprint(s, w.Error())
}

// ReRaise returns the WorkException as an error for the caller to handle.
// In Go, "re-raising" just means returning (or wrapping) the error —
// there is nothing else to restore, since the stack was captured once at
// New and never discarded.
func (w *WorkException) ReRaise() error {
	return w
}
