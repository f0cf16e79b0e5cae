// Package steps holds the sample workflow step: a function that posts a
// message with a button, and the button handler that completes the step.
package steps

import (
	"context"
	"fmt"

	"github.com/aasmall/stepmagic/internal/app"
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

const (
	StepCallbackID = "sample_step"
	ButtonActionID = "sample_button"

	PromptText    = "Click the button to signal the step has completed"
	ButtonText    = "Complete step"
	CompletedText = "Step completed successfully!"
)

// Register adds both handlers to a.
func Register(a *app.App) {
	a.Function(StepCallbackID, HandleSampleStep)
	a.Action(ButtonActionID, HandleSampleButton)
}

// PromptBlocks is the layout posted by HandleSampleStep.
func PromptBlocks() []slack.Block {
	button := slack.NewButtonBlockElement(ButtonActionID, "",
		slack.NewTextBlockObject(slack.PlainTextType, ButtonText, false, false))
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, PromptText, false, false),
		nil,
		slack.NewAccessory(button),
	)
	return []slack.Block{section}
}

// HandleSampleStep posts the prompt to the user in the user_id input. The
// step stays in progress until the button is clicked.
func HandleSampleStep(ctx context.Context, fc *app.FunctionContext) error {
	err := postPrompt(ctx, fc)
	if err == nil {
		return nil
	}
	fc.Logger.Errorf("Failed to post prompt for %s: %v", fc.ExecutionID, err)
	if ferr := fc.Fail(ctx, fmt.Sprintf("Failed to handle a step request: %v", err)); ferr != nil {
		return errors.Wrap(ferr, err.Error())
	}
	return nil
}

func postPrompt(ctx context.Context, fc *app.FunctionContext) error {
	userID := fc.Inputs["user_id"]
	if userID == "" {
		return errors.Wrap(app.ErrMissingInput, "user_id")
	}
	_, _, err := fc.Client.PostMessageContext(ctx, userID,
		slack.MsgOptionText(PromptText, false),
		slack.MsgOptionBlocks(PromptBlocks()...),
	)
	return errors.Wrap(err, "posting prompt")
}

// HandleSampleButton completes the step with the clicking user's id and
// then replaces the prompt. Completion is reported before the message is
// updated, so an update error fails a step that was already completed.
func HandleSampleButton(ctx context.Context, ac *app.ActionContext) error {
	step, ok := ac.Body.(*app.StepAction)
	if !ok {
		ac.Logger.Warningf("Ignored %s click outside a workflow step", ButtonActionID)
		return app.ErrNotStepAction
	}
	err := completeStep(ctx, ac.Client, step)
	if err == nil {
		return nil
	}
	ac.Logger.Errorf("Failed to complete step %s: %v", step.ExecutionID, err)
	if ferr := step.Step.Fail(ctx, fmt.Sprintf("Failed to complete the step: %v", err)); ferr != nil {
		return errors.Wrap(ferr, err.Error())
	}
	return nil
}

func completeStep(ctx context.Context, client app.Client, step *app.StepAction) error {
	if err := step.Step.Complete(ctx, map[string]string{"user_id": step.User.ID}); err != nil {
		return err
	}
	_, _, _, err := client.UpdateMessageContext(ctx, step.Channel.ID, step.Message.TS,
		slack.MsgOptionText(CompletedText, false),
	)
	return errors.Wrap(err, "updating prompt")
}
