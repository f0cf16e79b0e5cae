package app

import (
	"context"
	"time"

	"github.com/aasmall/stepmagic/internal/journal"
	log "github.com/aasmall/stepmagic/lib/logger"
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

// FunctionContext is passed to a FunctionHandler for one function_executed
// event.
type FunctionContext struct {
	ExecutionID         string
	WorkflowExecutionID string
	CallbackID          string
	Inputs              map[string]string
	Client              Client
	Logger              *log.Logger

	step Completer
}

// Complete reports the step as completed with outputs.
func (fc *FunctionContext) Complete(ctx context.Context, outputs map[string]string) error {
	return fc.step.Complete(ctx, outputs)
}

// Fail reports the step as failed with message.
func (fc *FunctionContext) Fail(ctx context.Context, message string) error {
	return fc.step.Fail(ctx, message)
}

// ActionContext is passed to an ActionHandler for one block action.
type ActionContext struct {
	Body   Action
	Client Client
	Logger *log.Logger
}

type FunctionHandler func(ctx context.Context, fc *FunctionContext) error
type ActionHandler func(ctx context.Context, ac *ActionContext) error

// functionCompleter signals step outcomes through functions.completeSuccess
// and functions.completeError and notes them in the journal.
type functionCompleter struct {
	executionID string
	client      Client
	journal     journal.Journal
	log         *log.Logger
}

func (c *functionCompleter) Complete(ctx context.Context, outputs map[string]string) error {
	err := c.client.FunctionCompleteSuccessContext(ctx, c.executionID,
		slack.FunctionCompleteSuccessRequestOptionOutput(outputs))
	if err != nil {
		return errors.Wrapf(err, "completing function %s", c.executionID)
	}
	c.note(ctx, journal.StateCompleted, "")
	return nil
}

func (c *functionCompleter) Fail(ctx context.Context, message string) error {
	if err := c.client.FunctionCompleteErrorContext(ctx, c.executionID, message); err != nil {
		return errors.Wrapf(err, "failing function %s", c.executionID)
	}
	c.note(ctx, journal.StateFailed, message)
	return nil
}

func (c *functionCompleter) note(ctx context.Context, state journal.State, detail string) {
	record(ctx, c.journal, c.log, journal.Entry{
		ExecutionID: c.executionID,
		State:       state,
		Detail:      detail,
		At:          time.Now(),
	})
}

// record never fails the caller; journal errors are only logged.
func record(ctx context.Context, j journal.Journal, l *log.Logger, e journal.Entry) {
	if j == nil {
		return
	}
	if err := j.Record(ctx, e); err != nil {
		l.Errorf("Failed to record %s for %s: %v", e.State, e.ExecutionID, err)
	}
}
