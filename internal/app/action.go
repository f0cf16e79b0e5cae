package app

import "context"

// Completer reports the outcome of a workflow step. Each call is a single
// Web API request; nothing is retried.
type Completer interface {
	Complete(ctx context.Context, outputs map[string]string) error
	Fail(ctx context.Context, message string) error
}

type ChannelRef struct {
	ID string
}

type MessageRef struct {
	TS string
}

type UserRef struct {
	ID   string
	Name string
}

// ActionBody holds the fields of a block action every variant carries.
type ActionBody struct {
	ActionID  string
	BlockID   string
	Value     string
	Channel   ChannelRef
	Message   MessageRef
	User      UserRef
	TriggerID string
	TeamID    string
}

// Common returns the shared fields.
func (b *ActionBody) Common() *ActionBody { return b }

// Action is either a *StepAction or a *PlainAction.
type Action interface {
	Common() *ActionBody
	isAction()
}

// StepAction is a click on a message posted by a workflow function. Step
// reports that function's outcome.
type StepAction struct {
	ActionBody
	ExecutionID string
	Step        Completer
}

// PlainAction is a click on any other message. It cannot complete or fail
// a step.
type PlainAction struct {
	ActionBody
}

func (*StepAction) isAction()  {}
func (*PlainAction) isAction() {}
