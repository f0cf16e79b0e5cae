package app

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aasmall/stepmagic/internal/journal"
	log "github.com/aasmall/stepmagic/lib/logger"
	"github.com/aasmall/stepmagic/mocks/slackserver"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu   sync.Mutex
	acks []string
}

func (s *fakeSocket) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSocket) Ack(req socketmode.Request, payload ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, req.EnvelopeID)
}

func (s *fakeSocket) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

type fixture struct {
	app     *App
	socket  *fakeSocket
	server  *slackserver.Server
	journal *journal.MemoryJournal
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	srv := slackserver.New()
	t.Cleanup(srv.Close)
	api := slack.New("xoxb-app", slack.OptionAPIURL(srv.APIURL()))
	j := journal.NewMemoryJournal(time.Hour)
	socket := &fakeSocket{}
	l := log.New("", log.WithLocal(true), log.WithWriter(io.Discard), log.WithDebug(true))
	opts = append([]Option{WithLogger(l), WithJournal(j)}, opts...)
	return &fixture{
		app:     New(socket, nil, api, opts...),
		socket:  socket,
		server:  srv,
		journal: j,
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func functionExecuted(executionID, callbackID, token string, inputs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "event_callback",
		"event": map[string]interface{}{
			"type":                  "function_executed",
			"function":              map[string]interface{}{"id": "Fn1", "callback_id": callbackID},
			"inputs":                inputs,
			"function_execution_id": executionID,
			"workflow_execution_id": "Wx1",
			"event_ts":              "1700000000.000100",
			"bot_access_token":      token,
		},
	}
}

func blockActions(executionID, token, actionID string) map[string]interface{} {
	p := map[string]interface{}{
		"type":       "block_actions",
		"user":       map[string]interface{}{"id": "U999", "name": "pat"},
		"team":       map[string]interface{}{"id": "T1"},
		"channel":    map[string]interface{}{"id": "C1"},
		"message":    map[string]interface{}{"ts": "111.222"},
		"trigger_id": "trig-1",
		"actions": []interface{}{
			map[string]interface{}{"action_id": actionID, "block_id": "b1", "value": "v1"},
		},
	}
	if executionID != "" {
		p["function_data"] = map[string]interface{}{"execution_id": executionID}
	}
	if token != "" {
		p["bot_access_token"] = token
	}
	return p
}

func eventsAPI(t *testing.T, envelopeID string, payload interface{}) socketmode.Event {
	return socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{Type: "events_api", EnvelopeID: envelopeID, Payload: mustJSON(t, payload)},
	}
}

func interactive(t *testing.T, envelopeID string, payload interface{}) socketmode.Event {
	return socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Request: &socketmode.Request{Type: "interactive", EnvelopeID: envelopeID, Payload: mustJSON(t, payload)},
	}
}

func TestDispatchFunctionExecuted(t *testing.T) {
	f := newFixture(t)
	var got *FunctionContext
	f.app.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		got = fc
		return nil
	})

	evt := eventsAPI(t, "E1", functionExecuted("Fx1", "sample_step", "", map[string]interface{}{"user_id": "U123"}))
	require.NoError(t, f.app.Dispatch(context.Background(), evt))

	require.NotNil(t, got)
	assert.Equal(t, []string{"E1"}, f.socket.Acks())
	assert.Equal(t, "Fx1", got.ExecutionID)
	assert.Equal(t, "Wx1", got.WorkflowExecutionID)
	assert.Equal(t, map[string]string{"user_id": "U123"}, got.Inputs, spew.Sdump(got))

	entry, err := f.journal.Get(context.Background(), "Fx1")
	require.NoError(t, err)
	assert.Equal(t, journal.StateInProgress, entry.State)
}

func TestDispatchIgnoresUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.app.Dispatch(ctx, eventsAPI(t, "E1", functionExecuted("Fx1", "other_step", "", nil)))
	assert.True(t, errors.Is(err, ErrNoHandler), spew.Sdump(err))

	err = f.app.Dispatch(ctx, interactive(t, "E2", blockActions("Fx1", "", "other_button")))
	assert.True(t, errors.Is(err, ErrNoHandler), spew.Sdump(err))

	err = f.app.Dispatch(ctx, eventsAPI(t, "E3", map[string]interface{}{
		"type":  "event_callback",
		"event": map[string]interface{}{"type": "app_mention"},
	}))
	assert.NoError(t, err)

	assert.Equal(t, []string{"E1", "E2", "E3"}, f.socket.Acks())
	assert.Empty(t, f.server.Calls())
}

func TestDispatchMalformedFunctionExecuted(t *testing.T) {
	f := newFixture(t)
	evt := eventsAPI(t, "E1", map[string]interface{}{
		"type":  "event_callback",
		"event": map[string]interface{}{"type": "function_executed", "inputs": map[string]interface{}{}},
	})
	err := f.app.Dispatch(context.Background(), evt)
	assert.True(t, errors.Is(err, ErrMalformedEvent), spew.Sdump(err))
	assert.Equal(t, []string{"E1"}, f.socket.Acks())
}

func TestDispatchStepAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var body Action
	f.app.Action("sample_button", func(ctx context.Context, ac *ActionContext) error {
		body = ac.Body
		step, ok := ac.Body.(*StepAction)
		if !ok {
			return ErrNotStepAction
		}
		return step.Step.Complete(ctx, map[string]string{"user_id": step.User.ID})
	})

	require.NoError(t, f.app.Dispatch(ctx, interactive(t, "E1", blockActions("Fx9", "", "sample_button"))))

	step, ok := body.(*StepAction)
	require.True(t, ok, spew.Sdump(body))
	assert.Equal(t, "Fx9", step.ExecutionID)
	assert.Equal(t, ActionBody{
		ActionID:  "sample_button",
		BlockID:   "b1",
		Value:     "v1",
		Channel:   ChannelRef{ID: "C1"},
		Message:   MessageRef{TS: "111.222"},
		User:      UserRef{ID: "U999", Name: "pat"},
		TriggerID: "trig-1",
		TeamID:    "T1",
	}, *step.Common())

	calls := f.server.CallsTo(slackserver.MethodCompleteSuccess)
	require.Len(t, calls, 1)
	assert.Equal(t, "Fx9", calls[0].Params["function_execution_id"])
	assert.JSONEq(t, `{"user_id":"U999"}`, calls[0].Params["outputs"])

	entry, err := f.journal.Get(ctx, "Fx9")
	require.NoError(t, err)
	assert.Equal(t, journal.StateCompleted, entry.State)
}

func TestDispatchPlainAction(t *testing.T) {
	f := newFixture(t)
	var body Action
	f.app.Action("sample_button", func(ctx context.Context, ac *ActionContext) error {
		body = ac.Body
		return nil
	})
	require.NoError(t, f.app.Dispatch(context.Background(), interactive(t, "E1", blockActions("", "", "sample_button"))))
	_, ok := body.(*PlainAction)
	assert.True(t, ok, spew.Sdump(body))
}

func TestDispatchContainerFallback(t *testing.T) {
	f := newFixture(t)
	var body Action
	f.app.Action("sample_button", func(ctx context.Context, ac *ActionContext) error {
		body = ac.Body
		return nil
	})
	payload := blockActions("", "", "sample_button")
	delete(payload, "channel")
	delete(payload, "message")
	payload["container"] = map[string]interface{}{"channel_id": "C7", "message_ts": "7.7"}

	require.NoError(t, f.app.Dispatch(context.Background(), interactive(t, "E1", payload)))
	require.NotNil(t, body)
	assert.Equal(t, "C7", body.Common().Channel.ID)
	assert.Equal(t, "7.7", body.Common().Message.TS)
}

func TestDispatchBadMessage(t *testing.T) {
	f := newFixture(t)
	var got *FunctionContext
	f.app.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		got = fc
		return nil
	})
	raw := mustJSON(t, map[string]interface{}{
		"envelope_id": "E1",
		"type":        "events_api",
		"payload": functionExecuted("Fx1", "sample_step", "", map[string]interface{}{
			"user_id": "U123",
			"count":   3,
			"flags":   []string{"a"},
		}),
	})
	evt := socketmode.Event{
		Type: socketmode.EventTypeErrorBadMessage,
		Data: &socketmode.ErrorBadMessage{Cause: errors.New("cannot unmarshal number"), Message: raw},
	}

	require.NoError(t, f.app.Dispatch(context.Background(), evt))
	assert.Equal(t, []string{"E1"}, f.socket.Acks())
	require.NotNil(t, got)
	assert.Equal(t, map[string]string{"user_id": "U123", "count": "3", "flags": `["a"]`}, got.Inputs)
}

func TestDispatchBadMessageWithoutEnvelope(t *testing.T) {
	f := newFixture(t)
	evt := socketmode.Event{
		Type: socketmode.EventTypeErrorBadMessage,
		Data: &socketmode.ErrorBadMessage{Cause: errors.New("garbage"), Message: []byte(`{"type":"weird"}`)},
	}
	err := f.app.Dispatch(context.Background(), evt)
	assert.True(t, errors.Is(err, ErrMalformedEvent))
	assert.Empty(t, f.socket.Acks())
}

func TestPanicFailsStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		panic("kaboom")
	})

	err := f.app.Dispatch(ctx, eventsAPI(t, "E1", functionExecuted("Fx1", "sample_step", "", nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	calls := f.server.CallsTo(slackserver.MethodCompleteError)
	require.Len(t, calls, 1)
	assert.Equal(t, "Fx1", calls[0].Params["function_execution_id"])
	assert.Empty(t, f.server.CallsTo(slackserver.MethodCompleteSuccess))

	entry, err := f.journal.Get(ctx, "Fx1")
	require.NoError(t, err)
	assert.Equal(t, journal.StateFailed, entry.State)
}

func TestFunctionScopedToken(t *testing.T) {
	srv := slackserver.New()
	defer srv.Close()
	api := slack.New("xoxb-app", slack.OptionAPIURL(srv.APIURL()))
	a := New(&fakeSocket{}, nil, api,
		WithClientFactory(SlackClientFactory(api, slack.OptionAPIURL(srv.APIURL()))))
	a.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		return fc.Complete(ctx, nil)
	})
	a.Action("sample_button", func(ctx context.Context, ac *ActionContext) error {
		return ac.Body.(*StepAction).Step.Complete(ctx, nil)
	})

	ctx := context.Background()
	require.NoError(t, a.Dispatch(ctx, eventsAPI(t, "E1", functionExecuted("Fx1", "sample_step", "xwfp-scoped", nil))))
	require.NoError(t, a.Dispatch(ctx, interactive(t, "E2", blockActions("Fx2", "", "sample_button"))))

	calls := srv.CallsTo(slackserver.MethodCompleteSuccess)
	require.Len(t, calls, 2)
	assert.Equal(t, "xwfp-scoped", calls[0].Token)
	assert.Equal(t, "xoxb-app", calls[1].Token)
}

func TestRegistrationWhileDispatching(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.app.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error { return nil })
		}()
		go func() {
			defer wg.Done()
			f.app.Dispatch(context.Background(), eventsAPI(t, "E", functionExecuted("Fx", "sample_step", "", nil)))
		}()
	}
	wg.Wait()
	assert.Len(t, f.socket.Acks(), 10)
}

func TestRunOverSocketMode(t *testing.T) {
	srv := slackserver.New()
	defer srv.Close()
	api := slack.New("xoxb-app",
		slack.OptionAppLevelToken("xapp-test"),
		slack.OptionAPIURL(srv.APIURL()))
	socket := socketmode.New(api)

	var mu sync.Mutex
	var inputs map[string]string
	a := New(socket, socket.Events, api)
	a.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		mu.Lock()
		defer mu.Unlock()
		inputs = fc.Inputs
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.True(t, srv.WaitForConnection(5*time.Second))
	require.NoError(t, srv.PushEnvelope("E1", "events_api",
		functionExecuted("Fx1", "sample_step", "", map[string]interface{}{"user_id": "U123"})))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inputs["user_id"] == "U123"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, id := range srv.Acks() {
			if id == "E1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotEmpty(t, srv.CallsTo(slackserver.MethodConnectionsOpen))
}

func TestRunWaitsForHandlers(t *testing.T) {
	events := make(chan socketmode.Event, 1)
	socket := &fakeSocket{}
	a := New(socket, events, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	a.Function("sample_step", func(ctx context.Context, fc *FunctionContext) error {
		close(started)
		<-release
		finished = ctx.Err() == nil
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	events <- eventsAPI(t, "E1", functionExecuted("Fx1", "sample_step", "", nil))
	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished)
}
