// Package flow implements the conversational state machine that advances a
// flow session day by day.
//
// One engine serves the three flow variants (select-day-first, sequential
// week, aggregate week) behind a mode switch; the data model, day parsing
// and validation are shared, and only the transition table differs per mode.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweek/flowgate/internal/automation"
	"github.com/taskweek/flowgate/internal/metrics"
	"github.com/taskweek/flowgate/internal/models"
	"github.com/taskweek/flowgate/internal/notify"
	"github.com/taskweek/flowgate/internal/session"
)

// Defaults for the aggregate-week final submission retry policy.
const (
	DefaultWeekAttempts = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Delivery status values embedded in the aggregate SUCCESS payload.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Opts holds engine configuration.
type Opts struct {
	DefaultMode  models.Mode
	Locale       models.DayLocale
	WeekAttempts int
	RetryBackoff time.Duration
	Notifier     notify.Notifier
	Now          func() time.Time
}

// Option configures the engine.
type Option func(*Opts)

// WithDefaultMode sets the mode used when INIT does not name one.
func WithDefaultMode(m models.Mode) Option {
	return func(o *Opts) { o.DefaultMode = m }
}

// WithLocale sets the wire locale for day screen identifiers.
func WithLocale(loc models.DayLocale) Option {
	return func(o *Opts) { o.Locale = loc }
}

// WithWeekAttempts bounds the aggregate-week submission retries.
func WithWeekAttempts(n int) Option {
	return func(o *Opts) { o.WeekAttempts = n }
}

// WithRetryBackoff sets the initial backoff between submission retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Opts) { o.RetryBackoff = d }
}

// WithNotifier installs the operator alert channel for lost aggregate
// submissions.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithClock injects the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine drives flow sessions through their day-by-day transitions. It owns
// no storage and no transport: sessions live in the Store, results go to the
// automation Adapter.
type Engine struct {
	store        session.Store
	adapter      automation.Adapter
	notifier     notify.Notifier
	defaultMode  models.Mode
	locale       models.DayLocale
	weekAttempts int
	retryBackoff time.Duration
	now          func() time.Time

	inflight sync.WaitGroup
}

// New creates an engine over the given session store and automation adapter.
func New(st session.Store, ad automation.Adapter, opts ...Option) *Engine {
	cfg := Opts{
		DefaultMode:  models.ModeSequentialWeek,
		Locale:       models.LocaleFrench,
		WeekAttempts: DefaultWeekAttempts,
		RetryBackoff: DefaultRetryBackoff,
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("flow.New: engine configured",
		"default_mode", cfg.DefaultMode,
		"locale", cfg.Locale,
		"week_attempts", cfg.WeekAttempts,
		"notifier_set", cfg.Notifier != nil)
	return &Engine{
		store:        st,
		adapter:      ad,
		notifier:     cfg.Notifier,
		defaultMode:  cfg.DefaultMode,
		locale:       cfg.Locale,
		weekAttempts: cfg.WeekAttempts,
		retryBackoff: cfg.RetryBackoff,
		now:          cfg.Now,
	}
}

// Wait blocks until all fire-and-forget backend submissions have finished.
// Used by tests and graceful shutdown.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Handle advances the state machine for one decrypted message and returns
// the next screen to encrypt.
func (e *Engine) Handle(ctx context.Context, msg *models.DecryptedMessage) (models.NextScreen, error) {
	switch msg.Action {
	case models.ActionPing:
		// Liveness only; never touches session state.
		return models.PingAck(), nil
	case models.ActionInit:
		return e.handleInit(ctx, msg)
	case models.ActionDataExchange:
		return e.handleExchange(ctx, msg)
	default:
		slog.Warn("Engine.Handle: unrecognized action", "action", msg.Action, "flow_token", msg.FlowToken)
		return models.NextScreen{}, fmt.Errorf("unrecognized action %q", msg.Action)
	}
}

// handleInit opens (or idempotently reopens) a session. A live session under
// the same flow_token is overwritten, matching the platform's retry behavior
// on dropped responses.
func (e *Engine) handleInit(ctx context.Context, msg *models.DecryptedMessage) (models.NextScreen, error) {
	var data models.InitData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return models.NextScreen{}, fmt.Errorf("invalid INIT data: %w", err)
		}
	}

	mode, err := models.ParseMode(data.Mode, e.defaultMode)
	if err != nil {
		return models.NextScreen{}, err
	}
	if data.WeekStartISO != "" {
		if _, err := time.Parse("2006-01-02", data.WeekStartISO); err != nil {
			return models.NextScreen{}, fmt.Errorf("invalid week_start_iso %q: %w", data.WeekStartISO, err)
		}
	}

	tasksByDay := make(map[models.Day][]models.Task, len(data.TasksByDay))
	for rawDay, tasks := range data.TasksByDay {
		d, err := models.ParseDay(rawDay)
		if err != nil {
			return models.NextScreen{}, fmt.Errorf("tasks_by_day key: %w", err)
		}
		tasksByDay[d] = tasks
	}

	now := e.now()
	sess := &models.FlowSession{
		Token:         msg.FlowToken,
		Mode:          mode,
		Locale:        e.locale,
		TasksByDay:    tasksByDay,
		WeekStartISO:  data.WeekStartISO,
		Context:       data.Context,
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	if err := e.store.Put(ctx, sess); err != nil {
		return models.NextScreen{}, fmt.Errorf("failed to open session: %w", err)
	}
	slog.Info("Engine: session opened", "flow_token", msg.FlowToken, "mode", mode, "days_with_tasks", len(tasksByDay))

	if mode == models.ModeSelectDayFirst {
		return models.SelectDayScreen(e.locale), nil
	}
	return models.DayScreen(models.Monday, e.locale, sess.Tasks(models.Monday)), nil
}

func (e *Engine) handleExchange(ctx context.Context, msg *models.DecryptedMessage) (models.NextScreen, error) {
	var data models.ExchangeData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return models.NextScreen{}, fmt.Errorf("invalid data_exchange data: %w", err)
		}
	}

	if msg.Screen == models.ScreenSelectDay {
		return e.handleSelectDay(ctx, msg.FlowToken, &data)
	}
	if day, err := models.ParseDay(msg.Screen); err == nil {
		return e.handleDayScreen(ctx, msg.FlowToken, day, &data)
	}
	slog.Warn("Engine: data_exchange for unknown screen", "screen", msg.Screen, "flow_token", msg.FlowToken)
	return models.NextScreen{}, fmt.Errorf("%w: %q", models.ErrUnhandledScreen, msg.Screen)
}

// handleSelectDay validates the chosen day and answers with that day's
// screen. Only the select-day-first variant has this state.
func (e *Engine) handleSelectDay(ctx context.Context, token string, data *models.ExchangeData) (models.NextScreen, error) {
	day, err := models.ParseDay(data.SelectedDay)
	if err != nil {
		return models.NextScreen{}, err
	}

	sess, err := e.store.Update(ctx, token, func(s *models.FlowSession) error {
		if s.Mode != models.ModeSelectDayFirst {
			return fmt.Errorf("%w: %q has no day selection step", models.ErrUnhandledScreen, s.Mode)
		}
		return nil
	})
	if err != nil {
		return models.NextScreen{}, err
	}
	slog.Debug("Engine: day selected", "flow_token", token, "day", day)
	return models.DayScreen(day, sess.Locale, sess.Tasks(day)), nil
}

// handleDayScreen records one day's selections and advances the session.
// The mutation happens under the session lock; backend calls happen after
// the lock is released.
func (e *Engine) handleDayScreen(ctx context.Context, token string, screenDay models.Day, data *models.ExchangeData) (models.NextScreen, error) {
	day := screenDay
	if data.Day != "" {
		parsed, err := models.ParseDay(data.Day)
		if err != nil {
			return models.NextScreen{}, err
		}
		day = parsed
	}
	ids := data.SelectionIDs()

	sess, err := e.store.Update(ctx, token, func(s *models.FlowSession) error {
		s.Record(day, ids)
		return nil
	})
	if err != nil {
		return models.NextScreen{}, err
	}

	switch sess.Mode {
	case models.ModeSelectDayFirst:
		return e.finishSingleDay(ctx, sess, day, ids)
	case models.ModeSequentialWeek:
		return e.advanceSequential(ctx, sess, day, ids)
	case models.ModeAggregateWeek:
		return e.advanceAggregate(ctx, sess, day)
	default:
		return models.NextScreen{}, fmt.Errorf("session %s has unknown mode %q", token, sess.Mode)
	}
}

// finishSingleDay ends a select-day-first flow: the single day's result is
// submitted in the background and the session is removed.
func (e *Engine) finishSingleDay(ctx context.Context, sess *models.FlowSession, day models.Day, ids []string) (models.NextScreen, error) {
	e.submitDayAsync(ctx, sess, day, ids)

	if err := e.store.Delete(ctx, sess.Token); err != nil {
		slog.Error("Engine: failed to remove finished session", "flow_token", sess.Token, "error", err)
	}
	metrics.SessionsCompleted.WithLabelValues(string(sess.Mode)).Inc()
	slog.Info("Engine: single-day flow completed", "flow_token", sess.Token, "day", day, "selected", len(ids))

	return models.SuccessScreen(map[string]string{
		"flow_token":      sess.Token,
		"day":             day.Name(sess.Locale),
		"completed_count": strconv.Itoa(len(ids)),
	}), nil
}

// advanceSequential submits the finished day in the background and moves to
// the next day screen, or closes the week.
func (e *Engine) advanceSequential(ctx context.Context, sess *models.FlowSession, day models.Day, ids []string) (models.NextScreen, error) {
	e.submitDayAsync(ctx, sess, day, ids)

	if next, ok := day.Next(); ok {
		return models.DayScreen(next, sess.Locale, sess.Tasks(next)), nil
	}

	if err := e.store.Delete(ctx, sess.Token); err != nil {
		slog.Error("Engine: failed to remove finished session", "flow_token", sess.Token, "error", err)
	}
	metrics.SessionsCompleted.WithLabelValues(string(sess.Mode)).Inc()
	slog.Info("Engine: sequential week completed", "flow_token", sess.Token, "days_recorded", len(sess.Selections))

	params := map[string]string{
		"flow_token":      sess.Token,
		"days_completed":  strconv.Itoa(len(sess.Selections)),
		"completed_count": strconv.Itoa(totalSelected(sess)),
	}
	if sess.WeekStartISO != "" {
		params["week_start_iso"] = sess.WeekStartISO
	}
	return models.SuccessScreen(params), nil
}

// advanceAggregate keeps selections in the session only; at the end of the
// week it performs the single aggregated submission with bounded retries.
func (e *Engine) advanceAggregate(ctx context.Context, sess *models.FlowSession, day models.Day) (models.NextScreen, error) {
	if next, ok := day.Next(); ok {
		return models.DayScreen(next, sess.Locale, sess.Tasks(next)), nil
	}

	delivery := DeliveryDelivered
	if err := e.submitWeekWithRetry(ctx, sess); err != nil {
		// The user still gets SUCCESS: the failure belongs to the
		// collaborator, not the protocol. It is surfaced in the payload
		// and to the operator because it represents lost data.
		delivery = DeliveryFailed
		slog.Error("Engine: aggregated week submission lost after retries", "flow_token", sess.Token, "error", err)
		e.alertOperator(ctx, fmt.Sprintf("FlowGate: week submission for flow_token %s failed after %d attempts: %v", sess.Token, e.weekAttempts, err))
	}

	if err := e.store.Delete(ctx, sess.Token); err != nil {
		slog.Error("Engine: failed to remove finished session", "flow_token", sess.Token, "error", err)
	}
	metrics.SessionsCompleted.WithLabelValues(string(sess.Mode)).Inc()
	slog.Info("Engine: aggregate week completed", "flow_token", sess.Token, "delivery", delivery)

	params := map[string]string{
		"flow_token":      sess.Token,
		"days_completed":  strconv.Itoa(len(sess.Selections)),
		"completed_count": strconv.Itoa(totalSelected(sess)),
		"delivery":        delivery,
	}
	if sess.WeekStartISO != "" {
		params["week_start_iso"] = sess.WeekStartISO
	}
	for d, sel := range sess.Selections {
		params[strings.ToLower(d.Name(sess.Locale))+"_count"] = strconv.Itoa(len(sel))
	}
	return models.SuccessScreen(params), nil
}

// submitDayAsync delivers one day's result without blocking the response.
// The call runs on a context detached from the request so a client timeout
// never aborts a possibly-sent submission; failure is logged and counted,
// never surfaced to the user.
func (e *Engine) submitDayAsync(ctx context.Context, sess *models.FlowSession, day models.Day, ids []string) {
	sub := automation.DaySubmission{
		SubmissionID: uuid.NewString(),
		FlowToken:    sess.Token,
		Day:          day.Name(sess.Locale),
		TaskIDs:      ids,
		Raw:          sess.Context,
	}
	bgCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.adapter.SubmitDay(bgCtx, sub); err != nil {
			metrics.AutomationSubmissions.WithLabelValues("day", "error").Inc()
			slog.Warn("Engine: day submission failed", "flow_token", sub.FlowToken, "day", sub.Day, "error", err)
			return
		}
		metrics.AutomationSubmissions.WithLabelValues("day", "ok").Inc()
	}()
}

// submitWeekWithRetry performs the single aggregated submission, retrying
// with exponential backoff up to the configured attempt limit. The
// submission id stays fixed across attempts so the backend can deduplicate.
func (e *Engine) submitWeekWithRetry(ctx context.Context, sess *models.FlowSession) error {
	sub := automation.WeekSubmission{
		SubmissionID: uuid.NewString(),
		FlowToken:    sess.Token,
		WeekStartISO: sess.WeekStartISO,
		Selections:   make(map[string][]string, len(sess.Selections)),
		TasksByDay:   make(map[string][]models.Task, len(sess.TasksByDay)),
		Context:      sess.Context,
	}
	for d, sel := range sess.Selections {
		sub.Selections[d.Name(sess.Locale)] = sel
	}
	for d, tasks := range sess.TasksByDay {
		sub.TasksByDay[d.Name(sess.Locale)] = tasks
	}

	bgCtx := context.WithoutCancel(ctx)
	backoff := e.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= e.weekAttempts; attempt++ {
		if err := e.adapter.SubmitWeek(bgCtx, sub); err != nil {
			lastErr = err
			metrics.AutomationSubmissions.WithLabelValues("week", "error").Inc()
			slog.Warn("Engine: week submission attempt failed", "flow_token", sess.Token, "attempt", attempt, "error", err)
			if attempt < e.weekAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
			continue
		}
		metrics.AutomationSubmissions.WithLabelValues("week", "ok").Inc()
		return nil
	}
	return lastErr
}

func (e *Engine) alertOperator(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Alert(context.WithoutCancel(ctx), message); err != nil {
		slog.Error("Engine: operator alert failed", "error", err)
	}
}

func totalSelected(sess *models.FlowSession) int {
	n := 0
	for _, sel := range sess.Selections {
		n += len(sel)
	}
	return n
}
