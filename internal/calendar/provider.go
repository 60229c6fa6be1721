// Package calendar reconciles task lifecycle state with an external calendar.
// Provider implementations perform the side effects; the Syncer decides which
// tasks need one and records the outcome through compare-and-set writes on the
// task's calendar correlation.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/organizer/internal/persistence"
)

// DefaultTokenPrefix namespaces idempotency tokens.
const DefaultTokenPrefix = "organizer"

// TaskIDProperty is the private extended property carrying the task id.
const TaskIDProperty = "organizer_task_id"

// Event is the provider-neutral shape of a calendar entry for one task.
type Event struct {
	TaskID      int64
	Token       string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// Result is the outcome of a provider call. Providers never return errors;
// every failure is classified here.
type Result struct {
	OK         bool
	ExternalID string
	HTTPStatus int
	Err        error
}

// NotFound reports a 404 or 410 from the provider.
func (r Result) NotFound() bool {
	return !r.OK && (r.HTTPStatus == http.StatusNotFound || r.HTTPStatus == http.StatusGone)
}

// Retryable reports failures worth another attempt: timeouts and transport
// errors (status 0), throttling and server errors.
func (r Result) Retryable() bool {
	if r.OK || r.NotFound() {
		return false
	}
	return r.HTTPStatus == 0 || r.HTTPStatus == http.StatusTooManyRequests || r.HTTPStatus >= 500
}

// Outcome is the metric and event label for r.
func (r Result) Outcome() string {
	switch {
	case r.OK:
		return "ok"
	case r.NotFound():
		return "not_found"
	case r.Retryable():
		return "retryable"
	default:
		return "error"
	}
}

func (r Result) String() string {
	if r.OK {
		return "ok " + r.ExternalID
	}
	msg := "status " + strconv.Itoa(r.HTTPStatus)
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

// Failure builds a failed Result.
func Failure(status int, err error) Result {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	return Result{HTTPStatus: status, Err: err}
}

// Provider is the calendar side-effect capability.
type Provider interface {
	// Lookup finds the event carrying the idempotency token. A missing event
	// is a NotFound result.
	Lookup(ctx context.Context, token string) Result
	Create(ctx context.Context, ev Event) Result
	Patch(ctx context.Context, externalID string, ev Event) Result
	Delete(ctx context.Context, externalID string) Result
}

// TokenFor returns the deterministic idempotency token for a task.
func TokenFor(prefix string, taskID int64) string {
	if prefix == "" {
		prefix = DefaultTokenPrefix
	}
	return fmt.Sprintf("%s-%d@%s", prefix, taskID, prefix)
}

// EventFor renders the calendar event for a planned task.
func EventFor(task persistence.Task, prefix string, duration time.Duration) Event {
	start := time.Time{}
	if task.PlannedAt != nil {
		start = task.PlannedAt.UTC()
	}
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return Event{
		TaskID:      task.ID,
		Token:       TokenFor(prefix, task.ID),
		Summary:     fmt.Sprintf("Task #%d: %s", task.ID, task.Title),
		Description: fmt.Sprintf("organizer task %d", task.ID),
		Start:       start,
		End:         start.Add(duration),
	}
}
