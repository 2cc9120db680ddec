package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taskweek/flowgate/internal/automation"
	"github.com/taskweek/flowgate/internal/models"
	"github.com/taskweek/flowgate/internal/notify"
	"github.com/taskweek/flowgate/internal/session"
)

type fixture struct {
	engine   *Engine
	store    session.Store
	adapter  *automation.Recorder
	notifier *notify.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := session.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	ad := automation.NewRecorder()
	nt := &notify.Recorder{}
	opts = append([]Option{
		WithNotifier(nt),
		WithRetryBackoff(time.Millisecond),
	}, opts...)
	return &fixture{
		engine:   New(st, ad, opts...),
		store:    st,
		adapter:  ad,
		notifier: nt,
	}
}

func initMsg(t *testing.T, token string, data models.InitData) *models.DecryptedMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal INIT data: %v", err)
	}
	return &models.DecryptedMessage{
		Version:   models.FlowVersion,
		Action:    models.ActionInit,
		Data:      raw,
		FlowToken: token,
	}
}

func exchangeMsg(t *testing.T, token, screen string, data models.ExchangeData) *models.DecryptedMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal exchange data: %v", err)
	}
	return &models.DecryptedMessage{
		Version:   models.FlowVersion,
		Action:    models.ActionDataExchange,
		Screen:    screen,
		Data:      raw,
		FlowToken: token,
	}
}

func weekTasks() map[string][]models.Task {
	tasks := make(map[string][]models.Task, models.NumDays)
	for _, d := range models.Week() {
		tasks[d.Name(models.LocaleEnglish)] = []models.Task{
			{ID: "t1", Title: "Water the plants"},
			{ID: "t2", Title: "Walk the dog"},
		}
	}
	return tasks
}

// successParams digs the terminal params out of the nested SUCCESS payload.
func successParams(t *testing.T, screen models.NextScreen) map[string]string {
	t.Helper()
	if screen.Screen != models.ScreenSuccess {
		t.Fatalf("screen = %q, want %q", screen.Screen, models.ScreenSuccess)
	}
	ext, ok := screen.Data["extension_message_response"].(map[string]any)
	if !ok {
		t.Fatalf("missing extension_message_response in %+v", screen.Data)
	}
	params, ok := ext["params"].(map[string]string)
	if !ok {
		t.Fatalf("missing params in %+v", ext)
	}
	return params
}

func TestHandlePing(t *testing.T) {
	f := newFixture(t)
	got, err := f.engine.Handle(context.Background(), &models.DecryptedMessage{Action: models.ActionPing})
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if got.Screen != "" || got.Data["status"] != "active" {
		t.Errorf("unexpected ping response: %+v", got)
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Error("ping must not create session state")
	}
}

func TestHandleUnknownAction(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Handle(context.Background(), &models.DecryptedMessage{Action: "teleport"}); err == nil {
		t.Error("unrecognized action should fail")
	}
}

func TestInitSequentialOpensOnMonday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	got, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay:   weekTasks(),
		WeekStartISO: "2026-08-31",
	}))
	if err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if got.Screen != "MONDAY" {
		t.Errorf("first screen = %q, want MONDAY", got.Screen)
	}
	tasks, ok := got.Data["tasks"].([]models.Task)
	if !ok || len(tasks) != 2 {
		t.Errorf("monday tasks = %+v, want 2 tasks", got.Data["tasks"])
	}

	sess, err := f.store.Get(ctx, "ft-1")
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if sess.Mode != models.ModeSequentialWeek || sess.WeekStartISO != "2026-08-31" {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestInitOverwritesExistingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("first INIT failed: %v", err)
	}
	if _, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "MONDAY", models.ExchangeData{
		CompletedTasks: []string{"t1"},
	})); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	// A retried INIT starts the week over; earlier progress is gone.
	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("second INIT failed: %v", err)
	}
	sess, _ := f.store.Get(ctx, "ft-1")
	if len(sess.Selections) != 0 {
		t.Errorf("INIT should reset the session, selections = %+v", sess.Selections)
	}
}

func TestInitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		WeekStartISO: "31/08/2026",
	})); err == nil {
		t.Error("malformed week_start_iso should fail")
	}
	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay: map[string][]models.Task{"FUNDAY": {{ID: "t1"}}},
	})); !errors.Is(err, models.ErrInvalidDay) {
		t.Errorf("bad tasks_by_day key error = %v, want ErrInvalidDay", err)
	}
	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		Mode: "psychic",
	})); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestSequentialDayAdvancesAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	got, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "MONDAY", models.ExchangeData{
		ModifyTasks: []string{"t1", "t2"},
	}))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if got.Screen != "TUESDAY" {
		t.Errorf("next screen = %q, want TUESDAY", got.Screen)
	}

	sess, _ := f.store.Get(ctx, "ft-1")
	if sel := sess.Selections[models.Monday]; len(sel) != 2 {
		t.Errorf("monday selections = %v, want [t1 t2]", sel)
	}

	f.engine.Wait()
	if f.adapter.DayCount() != 1 {
		t.Fatalf("day submissions = %d, want 1", f.adapter.DayCount())
	}
	sub := f.adapter.Days[0]
	if sub.Day != "MONDAY" || sub.FlowToken != "ft-1" || len(sub.TaskIDs) != 2 {
		t.Errorf("unexpected day submission: %+v", sub)
	}
	if sub.SubmissionID == "" {
		t.Error("submission id must be set")
	}
}

func TestSequentialEmptySelectionMeansNoTasksDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if _, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "MONDAY", models.ExchangeData{})); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	sess, _ := f.store.Get(ctx, "ft-1")
	sel, ok := sess.Selections[models.Monday]
	if !ok {
		t.Fatal("an empty answer must still be recorded")
	}
	if len(sel) != 0 {
		t.Errorf("selections = %v, want empty", sel)
	}

	f.engine.Wait()
	if f.adapter.DayCount() != 1 {
		t.Errorf("empty day should still be submitted, got %d", f.adapter.DayCount())
	}
}

func TestSequentialFullWeek(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay:   weekTasks(),
		WeekStartISO: "2026-08-31",
	})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}

	var last models.NextScreen
	for _, d := range models.Week() {
		var err error
		last, err = f.engine.Handle(ctx, exchangeMsg(t, "ft-1", d.Name(models.LocaleEnglish), models.ExchangeData{
			CompletedTasks: []string{"t1"},
		}))
		if err != nil {
			t.Fatalf("exchange for %v failed: %v", d, err)
		}
	}

	params := successParams(t, last)
	if params["flow_token"] != "ft-1" {
		t.Errorf("flow_token = %q", params["flow_token"])
	}
	if params["days_completed"] != "7" || params["completed_count"] != "7" {
		t.Errorf("unexpected totals: %+v", params)
	}
	if params["week_start_iso"] != "2026-08-31" {
		t.Errorf("week_start_iso = %q", params["week_start_iso"])
	}

	if _, err := f.store.Get(ctx, "ft-1"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Error("finished session must be removed")
	}
	f.engine.Wait()
	if f.adapter.DayCount() != 7 {
		t.Errorf("day submissions = %d, want 7", f.adapter.DayCount())
	}
	if f.adapter.WeekCount() != 0 {
		t.Error("sequential mode never sends a week submission")
	}
}

func TestAggregateWeekSingleSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay:   weekTasks(),
		WeekStartISO: "2026-08-31",
		Mode:         string(models.ModeAggregateWeek),
	})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}

	var last models.NextScreen
	for i, d := range models.Week() {
		ids := []string{"t1"}
		if i%2 == 1 {
			ids = []string{"t1", "t2"}
		}
		var err error
		last, err = f.engine.Handle(ctx, exchangeMsg(t, "ft-1", d.Name(models.LocaleEnglish), models.ExchangeData{
			CompletedTasks: ids,
		}))
		if err != nil {
			t.Fatalf("exchange for %v failed: %v", d, err)
		}
	}

	if f.adapter.DayCount() != 0 {
		t.Error("aggregate mode must not send per-day submissions")
	}
	if f.adapter.WeekCount() != 1 {
		t.Fatalf("week submissions = %d, want 1", f.adapter.WeekCount())
	}
	sub := f.adapter.Weeks[0]
	if sub.FlowToken != "ft-1" || sub.WeekStartISO != "2026-08-31" {
		t.Errorf("unexpected week submission: %+v", sub)
	}
	if len(sub.Selections) != 7 || len(sub.Selections["TUESDAY"]) != 2 {
		t.Errorf("unexpected selections: %+v", sub.Selections)
	}
	if len(sub.TasksByDay["MONDAY"]) != 2 {
		t.Errorf("task catalog missing from submission: %+v", sub.TasksByDay)
	}

	params := successParams(t, last)
	if params["delivery"] != DeliveryDelivered {
		t.Errorf("delivery = %q, want %q", params["delivery"], DeliveryDelivered)
	}
	if params["monday_count"] != "1" || params["tuesday_count"] != "2" {
		t.Errorf("per-day counts missing: %+v", params)
	}
	if _, err := f.store.Get(ctx, "ft-1"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Error("finished session must be removed")
	}
}

func TestAggregateWeekRetriesThenRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))
	f.adapter.FailNext = 2

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay: weekTasks(),
		Mode:       string(models.ModeAggregateWeek),
	})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	var last models.NextScreen
	for _, d := range models.Week() {
		var err error
		last, err = f.engine.Handle(ctx, exchangeMsg(t, "ft-1", d.Name(models.LocaleEnglish), models.ExchangeData{}))
		if err != nil {
			t.Fatalf("exchange for %v failed: %v", d, err)
		}
	}

	if f.adapter.WeekCount() != 1 {
		t.Fatalf("week submissions = %d, want 1 after retries", f.adapter.WeekCount())
	}
	if params := successParams(t, last); params["delivery"] != DeliveryDelivered {
		t.Errorf("delivery = %q, want delivered after recovery", params["delivery"])
	}
	if f.notifier.Count() != 0 {
		t.Error("recovered submission must not page the operator")
	}
}

func TestAggregateWeekDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish), WithWeekAttempts(3))
	f.adapter.FailNext = 3

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay: weekTasks(),
		Mode:       string(models.ModeAggregateWeek),
	})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	var last models.NextScreen
	for _, d := range models.Week() {
		var err error
		last, err = f.engine.Handle(ctx, exchangeMsg(t, "ft-1", d.Name(models.LocaleEnglish), models.ExchangeData{
			CompletedTasks: []string{"t1"},
		}))
		if err != nil {
			t.Fatalf("exchange for %v failed: %v", d, err)
		}
	}

	// The flow still closes for the user; the loss is flagged in the payload
	// and escalated out of band.
	params := successParams(t, last)
	if params["delivery"] != DeliveryFailed {
		t.Errorf("delivery = %q, want %q", params["delivery"], DeliveryFailed)
	}
	if f.adapter.WeekCount() != 0 {
		t.Error("no submission should have landed")
	}
	if f.notifier.Count() != 1 {
		t.Errorf("operator alerts = %d, want 1", f.notifier.Count())
	}
	if _, err := f.store.Get(ctx, "ft-1"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Error("session is removed even when delivery is lost")
	}
}

func TestSelectDayFirstFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t) // French locale by default

	tasks := map[string][]models.Task{
		"MARDI": {{ID: "t1", Title: "Arroser les plantes"}},
	}
	got, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		TasksByDay: tasks,
		Mode:       string(models.ModeSelectDayFirst),
	}))
	if err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if got.Screen != models.ScreenSelectDay {
		t.Fatalf("first screen = %q, want %q", got.Screen, models.ScreenSelectDay)
	}
	options, ok := got.Data["day_options"].([]models.DayOption)
	if !ok || len(options) != models.NumDays {
		t.Fatalf("day_options = %+v, want %d entries", got.Data["day_options"], models.NumDays)
	}
	if options[0].ID != "LUNDI" || options[0].Title != "Lundi" {
		t.Errorf("first option = %+v, want LUNDI/Lundi", options[0])
	}

	// Lowercase input is accepted; the screen id comes back canonical.
	got, err = f.engine.Handle(ctx, exchangeMsg(t, "ft-1", models.ScreenSelectDay, models.ExchangeData{
		SelectedDay: "mardi",
	}))
	if err != nil {
		t.Fatalf("day selection failed: %v", err)
	}
	if got.Screen != "MARDI" {
		t.Errorf("screen = %q, want MARDI", got.Screen)
	}

	last, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "MARDI", models.ExchangeData{
		CompletedTasks: []string{"t1"},
	}))
	if err != nil {
		t.Fatalf("day exchange failed: %v", err)
	}
	params := successParams(t, last)
	if params["day"] != "MARDI" || params["completed_count"] != "1" {
		t.Errorf("unexpected terminal params: %+v", params)
	}

	if _, err := f.store.Get(ctx, "ft-1"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Error("single-day session must be removed at the end")
	}
	f.engine.Wait()
	if f.adapter.DayCount() != 1 {
		t.Fatalf("day submissions = %d, want 1", f.adapter.DayCount())
	}
	if f.adapter.Days[0].Day != "MARDI" {
		t.Errorf("submitted day = %q, want MARDI", f.adapter.Days[0].Day)
	}
}

func TestSelectDayRejectsInvalidDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{
		Mode: string(models.ModeSelectDayFirst),
	})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if _, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", models.ScreenSelectDay, models.ExchangeData{
		SelectedDay: "mercredo",
	})); !errors.Is(err, models.ErrInvalidDay) {
		t.Errorf("error = %v, want ErrInvalidDay", err)
	}
	// The typo must not burn the session.
	if _, err := f.store.Get(ctx, "ft-1"); err != nil {
		t.Errorf("session should survive an invalid day: %v", err)
	}
}

func TestSelectDayOnWrongMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if _, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", models.ScreenSelectDay, models.ExchangeData{
		SelectedDay: "monday",
	})); !errors.Is(err, models.ErrUnhandledScreen) {
		t.Errorf("error = %v, want ErrUnhandledScreen", err)
	}
}

func TestExchangeUnknownScreen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	if _, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "SETTINGS", models.ExchangeData{})); !errors.Is(err, models.ErrUnhandledScreen) {
		t.Errorf("error = %v, want ErrUnhandledScreen", err)
	}
}

func TestExchangeUnknownToken(t *testing.T) {
	f := newFixture(t, WithLocale(models.LocaleEnglish))
	if _, err := f.engine.Handle(context.Background(), exchangeMsg(t, "ghost", "MONDAY", models.ExchangeData{})); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestExchangeDayFieldOverridesScreen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithLocale(models.LocaleEnglish))

	if _, err := f.engine.Handle(ctx, initMsg(t, "ft-1", models.InitData{TasksByDay: weekTasks()})); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	// An explicit day in the payload wins over the screen identifier.
	got, err := f.engine.Handle(ctx, exchangeMsg(t, "ft-1", "MONDAY", models.ExchangeData{
		Day:            "wednesday",
		CompletedTasks: []string{"t2"},
	}))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if got.Screen != "THURSDAY" {
		t.Errorf("next screen = %q, want THURSDAY", got.Screen)
	}
	sess, _ := f.store.Get(ctx, "ft-1")
	if sel := sess.Selections[models.Wednesday]; len(sel) != 1 || sel[0] != "t2" {
		t.Errorf("wednesday selections = %v, want [t2]", sel)
	}
}
