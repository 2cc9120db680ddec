// Package automation defines the contract with the workflow-automation
// backend and its n8n webhook implementation.
//
// The backend is an external collaborator: the flow engine calls it at
// terminal transitions but never depends on it for state-machine
// correctness. Submissions carry a stable submission_id so the backend can
// deduplicate retried deliveries.
package automation

import (
	"context"
	"sync"

	"github.com/taskweek/flowgate/internal/models"
)

// DaySubmission is one completed day's result. Day keys and names are
// already rendered in the session's wire locale.
type DaySubmission struct {
	SubmissionID string         `json:"submission_id"`
	FlowToken    string         `json:"flow_token"`
	Day          string         `json:"day"`
	TaskIDs      []string       `json:"completed_tasks"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// WeekSubmission is the aggregated result of a full week.
type WeekSubmission struct {
	SubmissionID string                   `json:"submission_id"`
	FlowToken    string                   `json:"flow_token"`
	WeekStartISO string                   `json:"week_start_iso,omitempty"`
	Selections   map[string][]string      `json:"selections"`
	TasksByDay   map[string][]models.Task `json:"tasks_by_day,omitempty"`
	Context      map[string]any           `json:"context,omitempty"`
}

// Adapter is the narrow request/response contract with the automation
// backend. Both calls are idempotent under retry with the same submission id.
type Adapter interface {
	SubmitDay(ctx context.Context, sub DaySubmission) error
	SubmitWeek(ctx context.Context, sub WeekSubmission) error
}

// Recorder is an in-memory Adapter for tests. It records every call and can
// be programmed to fail a number of times before succeeding.
type Recorder struct {
	mu    sync.Mutex
	Days  []DaySubmission
	Weeks []WeekSubmission

	// FailNext makes the next N calls return FailErr.
	FailNext int
	FailErr  error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{FailErr: models.ErrAutomationBackend}
}

func (r *Recorder) fail() error {
	if r.FailNext > 0 {
		r.FailNext--
		return r.FailErr
	}
	return nil
}

// SubmitDay records the submission.
func (r *Recorder) SubmitDay(ctx context.Context, sub DaySubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.Days = append(r.Days, sub)
	return nil
}

// SubmitWeek records the submission.
func (r *Recorder) SubmitWeek(ctx context.Context, sub WeekSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.Weeks = append(r.Weeks, sub)
	return nil
}

// DayCount returns how many day submissions were recorded.
func (r *Recorder) DayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Days)
}

// WeekCount returns how many week submissions were recorded.
func (r *Recorder) WeekCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Weeks)
}
