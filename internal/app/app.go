// Package app routes Socket Mode events to registered function and action
// handlers.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aasmall/stepmagic/internal/journal"
	log "github.com/aasmall/stepmagic/lib/logger"
	"github.com/pkg/errors"
	"github.com/slack-go/slack/socketmode"
	"github.com/tidwall/gjson"
)

// DefaultHandlerTimeout bounds one handler run when no timeout is set.
const DefaultHandlerTimeout = 30 * time.Second

// Socket is the part of *socketmode.Client the App drives.
type Socket interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

// App acknowledges every envelope it receives and runs the handler
// registered for it.
type App struct {
	socket  Socket
	events  <-chan socketmode.Event
	clients ClientFactory
	journal journal.Journal
	log     *log.Logger
	timeout time.Duration

	mu        sync.RWMutex
	functions map[string]FunctionHandler
	actions   map[string]ActionHandler
}

// Option configures an App
type Option func(*App)

func WithLogger(l *log.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithJournal records step lifecycle states in j.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClientFactory replaces how per-invocation clients are chosen. By
// default api is used for every invocation.
func WithClientFactory(f ClientFactory) Option {
	return func(a *App) { a.clients = f }
}

// New returns an App reading events from events, which is normally the
// Events channel of the socket.
func New(socket Socket, events <-chan socketmode.Event, api Client, opts ...Option) *App {
	a := &App{
		socket:    socket,
		events:    events,
		clients:   staticClient(api),
		timeout:   DefaultHandlerTimeout,
		functions: make(map[string]FunctionHandler),
		actions:   make(map[string]ActionHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Function registers h for function_executed events with callbackID.
func (a *App) Function(callbackID string, h FunctionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions[callbackID] = h
}

// Action registers h for block actions with actionID.
func (a *App) Action(actionID string, h ActionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions[actionID] = h
}

func (a *App) functionHandler(callbackID string) FunctionHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.functions[callbackID]
}

func (a *App) actionHandler(actionID string) ActionHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.actions[actionID]
}

// Run connects the socket and dispatches events until ctx is cancelled.
// Each event is handled on its own goroutine under a context that outlives
// ctx by at most the handler timeout. Run waits for those handlers before
// returning. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- a.socket.RunContext(ctx)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err == nil || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "socket mode connection ended")
		case evt, ok := <-a.events:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func(evt socketmode.Event) {
				defer wg.Done()
				a.handle(ctx, evt)
			}(evt)
		}
	}
}

func (a *App) handle(ctx context.Context, evt socketmode.Event) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	err := a.Dispatch(hctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoHandler):
		a.log.Debugf("Ignored %s event: %v", evt.Type, err)
	default:
		a.log.Errorf("Failed to handle %s event: %v", evt.Type, err)
	}
}

// Dispatch handles one event synchronously. Envelopes are acknowledged
// before any handler runs.
func (a *App) Dispatch(ctx context.Context, evt socketmode.Event) error {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		a.log.Info("Connecting to Slack with Socket Mode...")
	case socketmode.EventTypeConnectionError:
		a.log.Errorf("Connection failed: %v", evt.Data)
	case socketmode.EventTypeConnected:
		a.log.Info("stepmagic is running!")
	case socketmode.EventTypeHello:
		a.log.Debug("Received hello from Slack")
	case socketmode.EventTypeDisconnect:
		a.log.Warning("Slack requested a disconnect")
	case socketmode.EventTypeInvalidAuth:
		a.log.Critical("Slack rejected the app token")
	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return errors.Wrap(ErrMalformedEvent, "events_api event without request")
		}
		a.socket.Ack(*evt.Request)
		return a.routeEvent(ctx, evt.Request.Payload)
	case socketmode.EventTypeInteractive:
		if evt.Request == nil {
			return errors.Wrap(ErrMalformedEvent, "interactive event without request")
		}
		a.socket.Ack(*evt.Request)
		return a.routeInteraction(ctx, evt.Request.Payload)
	case socketmode.EventTypeErrorBadMessage:
		return a.dispatchRaw(ctx, evt)
	default:
		a.log.Debugf("Skipped %s event", evt.Type)
	}
	return nil
}

// dispatchRaw handles an envelope the socket client could not decode into
// its own types, such as function inputs that are not all strings.
func (a *App) dispatchRaw(ctx context.Context, evt socketmode.Event) error {
	bad, ok := evt.Data.(*socketmode.ErrorBadMessage)
	if !ok || bad == nil {
		return errors.Wrap(ErrMalformedEvent, "bad message without data")
	}
	raw := gjson.ParseBytes(bad.Message)
	envelopeID := raw.Get("envelope_id").String()
	if envelopeID == "" {
		a.log.Warningf("Dropped undecodable message: %v", bad.Cause)
		return errors.Wrap(ErrMalformedEvent, "message without envelope id")
	}
	a.socket.Ack(socketmode.Request{EnvelopeID: envelopeID})

	payload := []byte(raw.Get("payload").Raw)
	switch typ := raw.Get("type").String(); typ {
	case socketmode.RequestTypeEventsAPI:
		return a.routeEvent(ctx, payload)
	case socketmode.RequestTypeInteractive:
		return a.routeInteraction(ctx, payload)
	default:
		a.log.Debugf("Acknowledged undecodable %s envelope %s: %v", typ, envelopeID, bad.Cause)
		return nil
	}
}

func (a *App) routeEvent(ctx context.Context, payload []byte) error {
	inv, ok, err := parseFunctionExecuted(payload)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Debugf("Skipped events_api event %s", gjson.GetBytes(payload, "event.type").String())
		return nil
	}
	h := a.functionHandler(inv.CallbackID)
	if h == nil {
		return errors.Wrapf(ErrNoHandler, "function %s", inv.CallbackID)
	}

	client := a.clients(inv.BotToken)
	step := a.completer(inv.ExecutionID, client)
	record(ctx, a.journal, a.log, journal.Entry{
		ExecutionID: inv.ExecutionID,
		State:       journal.StateInProgress,
		At:          time.Now(),
	})
	fc := &FunctionContext{
		ExecutionID:         inv.ExecutionID,
		WorkflowExecutionID: inv.WorkflowExecutionID,
		CallbackID:          inv.CallbackID,
		Inputs:              inv.Inputs,
		Client:              client,
		Logger:              a.log,
		step:                step,
	}
	return a.safely(ctx, "function "+inv.CallbackID, step, func() error {
		return h(ctx, fc)
	})
}

func (a *App) routeInteraction(ctx context.Context, payload []byte) error {
	in, ok, err := parseBlockActions(payload)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Debugf("Skipped %s interaction", gjson.GetBytes(payload, "type").String())
		return nil
	}

	client := a.clients(in.BotToken)
	var step Completer
	if in.ExecutionID != "" {
		step = a.completer(in.ExecutionID, client)
	}

	var firstErr error
	handled := false
	for _, body := range in.Bodies {
		h := a.actionHandler(body.ActionID)
		if h == nil {
			a.log.Debugf("No handler for action %s", body.ActionID)
			continue
		}
		handled = true

		var action Action = &PlainAction{ActionBody: body}
		if step != nil {
			action = &StepAction{ActionBody: body, ExecutionID: in.ExecutionID, Step: step}
		}
		ac := &ActionContext{Body: action, Client: client, Logger: a.log}
		err := a.safely(ctx, "action "+body.ActionID, step, func() error {
			return h(ctx, ac)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !handled {
		return errors.Wrap(ErrNoHandler, "actions in block_actions payload")
	}
	return firstErr
}

func (a *App) completer(executionID string, client Client) Completer {
	return &functionCompleter{
		executionID: executionID,
		client:      client,
		journal:     a.journal,
		log:         a.log,
	}
}

// safely runs fn. A panic is logged and, when step is set, reported as a
// failed step.
func (a *App) safely(ctx context.Context, name string, step Completer, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		a.log.Criticalf("Panic in %s: %v", name, r)
		err = errors.Errorf("panic in %s: %v", name, r)
		if step == nil {
			return
		}
		if ferr := step.Fail(ctx, fmt.Sprintf("Unexpected error in %s", name)); ferr != nil {
			a.log.Errorf("Failed to report panic in %s: %v", name, ferr)
		}
	}()
	return fn()
}
