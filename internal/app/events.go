package app

import (
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	eventFunctionExecuted   = "function_executed"
	interactionBlockActions = "block_actions"
)

// invocation is the part of a function_executed event handlers see.
type invocation struct {
	ExecutionID         string
	WorkflowExecutionID string
	CallbackID          string
	BotToken            string
	Inputs              map[string]string
}

// parseFunctionExecuted reads an events_api payload. ok is false for any
// other inner event type. Input values that are not strings are kept as
// their JSON text.
func parseFunctionExecuted(payload []byte) (inv invocation, ok bool, err error) {
	if !gjson.ValidBytes(payload) {
		return inv, false, errors.Wrap(ErrMalformedEvent, "events_api payload is not JSON")
	}
	event := gjson.GetBytes(payload, "event")
	if event.Get("type").String() != eventFunctionExecuted {
		return inv, false, nil
	}
	inv = invocation{
		ExecutionID:         event.Get("function_execution_id").String(),
		WorkflowExecutionID: event.Get("workflow_execution_id").String(),
		CallbackID:          event.Get("function.callback_id").String(),
		BotToken:            event.Get("bot_access_token").String(),
		Inputs:              make(map[string]string),
	}
	if inv.ExecutionID == "" || inv.CallbackID == "" {
		return inv, true, errors.Wrap(ErrMalformedEvent, "function_executed without execution or callback id")
	}
	event.Get("inputs").ForEach(func(key, value gjson.Result) bool {
		inv.Inputs[key.String()] = value.String()
		return true
	})
	return inv, true, nil
}

// interaction is a block_actions payload with one body per action.
type interaction struct {
	ExecutionID string
	BotToken    string
	Bodies      []ActionBody
}

// parseBlockActions reads an interactive payload. ok is false for any
// interaction type other than block_actions.
func parseBlockActions(payload []byte) (in interaction, ok bool, err error) {
	if !gjson.ValidBytes(payload) {
		return in, false, errors.Wrap(ErrMalformedEvent, "interactive payload is not JSON")
	}
	p := gjson.ParseBytes(payload)
	if p.Get("type").String() != interactionBlockActions {
		return in, false, nil
	}
	in.ExecutionID = p.Get("function_data.execution_id").String()
	in.BotToken = p.Get("bot_access_token").String()

	channelID := firstOf(p, "channel.id", "container.channel_id")
	messageTS := firstOf(p, "message.ts", "container.message_ts")
	for _, a := range p.Get("actions").Array() {
		in.Bodies = append(in.Bodies, ActionBody{
			ActionID:  a.Get("action_id").String(),
			BlockID:   a.Get("block_id").String(),
			Value:     a.Get("value").String(),
			Channel:   ChannelRef{ID: channelID},
			Message:   MessageRef{TS: messageTS},
			User:      UserRef{ID: p.Get("user.id").String(), Name: p.Get("user.name").String()},
			TriggerID: p.Get("trigger_id").String(),
			TeamID:    p.Get("team.id").String(),
		})
	}
	if len(in.Bodies) == 0 {
		return in, true, errors.Wrap(ErrMalformedEvent, "block_actions without actions")
	}
	return in, true, nil
}

func firstOf(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := r.Get(path).String(); v != "" {
			return v
		}
	}
	return ""
}
