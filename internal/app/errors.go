package app

import "github.com/pkg/errors"

var (
	// ErrMissingInput is returned when a function input a handler needs is
	// absent or empty.
	ErrMissingInput = errors.New("missing function input")
	// ErrNotStepAction is returned by action handlers that need a step
	// capability but got a PlainAction.
	ErrNotStepAction = errors.New("action did not originate from a workflow step")
	// ErrNoHandler means nothing is registered for a callback or action id.
	ErrNoHandler = errors.New("no handler registered")
	// ErrMalformedEvent means a payload lacked the fields needed to route it.
	ErrMalformedEvent = errors.New("malformed event")
)
