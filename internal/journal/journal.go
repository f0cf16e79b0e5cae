// Package journal records the lifecycle states this app has observed for
// workflow steps, keyed by function execution id.
package journal

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// State is a step lifecycle state this app has observed.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// DefaultTTL is how long an entry is kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by Get for unknown or expired execution ids.
var ErrNotFound = errors.New("journal: execution not found")

// Entry is the last state recorded for one function execution.
type Entry struct {
	ExecutionID string    `json:"execution_id"`
	State       State     `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Journal stores the latest Entry per execution id.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Get(ctx context.Context, executionID string) (Entry, error)
}

func validate(e Entry) error {
	if e.ExecutionID == "" {
		return errors.New("journal: entry has no execution id")
	}
	return nil
}
