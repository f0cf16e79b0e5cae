// Package logger writes leveled entries either to Cloud Logging or, when
// running locally, to a writer with coloured severity labels.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/logging"
	"github.com/mgutz/ansi"
	"google.golang.org/api/option"
)

// Logger is safe for concurrent use.
type Logger struct {
	stackDriverLogger *logging.Logger
	loggingClient     *logging.Client
	clientOptions     []option.ClientOption

	mu  sync.Mutex
	out io.Writer

	projectID       string
	logName         string
	prefix          string
	debug           bool
	local           bool
	color           bool
	defaultSeverity logging.Severity
}

// Option configures a Logger
type Option func(*Logger)

// WithDebug keeps Debug entries. They are dropped otherwise.
func WithDebug(debug bool) Option {
	return func(l *Logger) { l.debug = debug }
}

// WithLocal writes to the local writer instead of Cloud Logging.
func WithLocal(local bool) Option {
	return func(l *Logger) { l.local = local }
}

// WithLogName sets the Cloud Logging log ID.
func WithLogName(name string) Option {
	return func(l *Logger) { l.logName = name }
}

// WithPrefix prepends prefix to every message.
func WithPrefix(prefix string) Option {
	return func(l *Logger) { l.prefix = prefix }
}

// WithDefaultSeverity sets the severity used by Output.
func WithDefaultSeverity(s logging.Severity) Option {
	return func(l *Logger) { l.defaultSeverity = s }
}

// WithWriter sets the local writer. Colour is disabled unless the writer is
// a terminal-backed *os.File.
func WithWriter(w io.Writer) Option {
	return func(l *Logger) {
		l.out = w
		_, l.color = w.(*os.File)
	}
}

// WithClientOptions is passed through to logging.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(l *Logger) { l.clientOptions = append(l.clientOptions, opts...) }
}

// New creates a Logger. In non-local mode a Cloud Logging client for
// projectID is created; failure to do so is fatal.
func New(projectID string, opts ...Option) *Logger {
	l := &Logger{
		projectID:       projectID,
		logName:         "stepmagic",
		out:             os.Stderr,
		color:           true,
		defaultSeverity: logging.Debug,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.local {
		return l
	}
	client, err := logging.NewClient(context.Background(), projectID, l.clientOptions...)
	if err != nil {
		log.Fatalf("Failed to create logging client: %v", err)
	}
	l.loggingClient = client
	l.stackDriverLogger = client.Logger(l.logName)
	return l
}

func (l *Logger) Info(message interface{}) {
	l.log(logging.Info, message)
}
func (l *Logger) Debug(message interface{}) {
	l.log(logging.Debug, message)
}
func (l *Logger) Warning(message interface{}) {
	l.log(logging.Warning, message)
}
func (l *Logger) Error(message interface{}) {
	l.log(logging.Error, message)
}
func (l *Logger) Critical(message interface{}) {
	l.log(logging.Critical, message)
}
func (l *Logger) Infof(format string, a ...interface{}) {
	l.Info(fmt.Sprintf(format, a...))
}
func (l *Logger) Debugf(format string, a ...interface{}) {
	l.Debug(fmt.Sprintf(format, a...))
}
func (l *Logger) Warningf(format string, a ...interface{}) {
	l.Warning(fmt.Sprintf(format, a...))
}
func (l *Logger) Errorf(format string, a ...interface{}) {
	l.Error(fmt.Sprintf(format, a...))
}
func (l *Logger) Criticalf(format string, a ...interface{}) {
	l.Critical(fmt.Sprintf(format, a...))
}

// Output lets the logger stand in for a *log.Logger, which is what
// slack.OptionLog and socketmode.OptionLog expect.
func (l *Logger) Output(calldepth int, s string) error {
	l.log(l.defaultSeverity, strings.TrimRight(s, "\n"))
	return nil
}

// Close flushes buffered Cloud Logging entries.
func (l *Logger) Close() error {
	if l.loggingClient == nil {
		return nil
	}
	return l.loggingClient.Close()
}

func (l *Logger) log(severity logging.Severity, message interface{}) {
	if l == nil {
		return
	}
	if severity == logging.Debug && !l.debug {
		return
	}
	if s, ok := message.(string); ok {
		message = l.prefix + s
	}
	if l.stackDriverLogger != nil {
		l.stackDriverLogger.Log(logging.Entry{
			Payload:  message,
			Severity: severity,
		})
		return
	}
	l.writeLocal(severity, message)
}

var severityColors = map[logging.Severity]string{
	logging.Debug:    "cyan",
	logging.Info:     "green",
	logging.Warning:  "yellow",
	logging.Error:    "red",
	logging.Critical: "red+b",
}

func (l *Logger) writeLocal(severity logging.Severity, message interface{}) {
	label := strings.ToUpper(severity.String())
	if l.color {
		if c, ok := severityColors[severity]; ok {
			label = ansi.Color(label, c)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s %v\n", time.Now().Format(time.RFC3339), label, message)
}

// Printf logs through the standard logger. Use before a Logger exists.
func Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// Println logs through the standard logger.
func Println(v ...interface{}) {
	log.Println(v...)
}

// Fatalf logs through the standard logger and exits.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}
