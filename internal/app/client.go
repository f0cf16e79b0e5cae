package app

import (
	"context"

	"github.com/slack-go/slack"
)

// Client is the part of *slack.Client handlers and completers use.
type Client interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	FunctionCompleteSuccessContext(ctx context.Context, functionExecutionID string, options ...slack.FunctionCompleteSuccessRequestOption) error
	FunctionCompleteErrorContext(ctx context.Context, functionExecutionID string, errorMessage string) error
}

// ClientFactory returns the client for an invocation. token is the
// function-scoped bot token and may be empty.
type ClientFactory func(token string) Client

// SlackClientFactory creates a *slack.Client per function-scoped token and
// falls back to base when there is none.
func SlackClientFactory(base Client, opts ...slack.Option) ClientFactory {
	return func(token string) Client {
		if token == "" {
			return base
		}
		return slack.New(token, opts...)
	}
}

func staticClient(c Client) ClientFactory {
	return func(string) Client { return c }
}
