package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlowVersion is the envelope protocol version echoed in responses.
const FlowVersion = "3.0"

// Recognized actions of a decrypted message.
const (
	ActionPing         = "ping"
	ActionInit         = "INIT"
	ActionDataExchange = "data_exchange"
)

// Fixed screen identifiers. Day screens use the day's locale name instead.
const (
	ScreenSelectDay = "SELECT_JOUR"
	ScreenSuccess   = "SUCCESS"
)

// Mode selects which of the flow variants the engine runs for a session.
type Mode string

const (
	// ModeSelectDayFirst asks the user to pick one day, then records
	// selections for that single day and ends the flow.
	ModeSelectDayFirst Mode = "select_day_first"

	// ModeSequentialWeek walks Monday through Sunday, submitting each
	// day's selections to the automation backend as it completes.
	ModeSequentialWeek Mode = "sequential_week"

	// ModeAggregateWeek walks Monday through Sunday, holding selections in
	// the session and submitting the whole week once at the end.
	ModeAggregateWeek Mode = "aggregate_week"
)

// ParseMode validates a mode string. The empty string resolves to the given
// default so deployments can pin one variant without clients knowing.
func ParseMode(raw string, def Mode) (Mode, error) {
	switch Mode(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case ModeSelectDayFirst:
		return ModeSelectDayFirst, nil
	case ModeSequentialWeek:
		return ModeSequentialWeek, nil
	case ModeAggregateWeek:
		return ModeAggregateWeek, nil
	default:
		return "", fmt.Errorf("unknown flow mode %q", raw)
	}
}

// Task is one selectable item in a day's catalog. Identifiers are opaque to
// the gateway; only list order matters.
type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// FlowSession is the per-conversation state held between the INIT transition
// and the terminal SUCCESS transition. TasksByDay is immutable after INIT;
// Selections gains at most one entry per day.
type FlowSession struct {
	Token         string           `json:"token"`
	Mode          Mode             `json:"mode"`
	Locale        DayLocale        `json:"locale"`
	TasksByDay    map[Day][]Task   `json:"tasks_by_day,omitempty"`
	Selections    map[Day][]string `json:"selections,omitempty"`
	WeekStartISO  string           `json:"week_start_iso,omitempty"`
	Context       map[string]any   `json:"context,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	LastTouchedAt time.Time        `json:"last_touched_at"`
}

// Tasks returns the catalog for one day (possibly empty).
func (s *FlowSession) Tasks(d Day) []Task {
	if s.TasksByDay == nil {
		return nil
	}
	return s.TasksByDay[d]
}

// Record stores the selection list for a day, replacing any earlier write for
// the same day so platform retries never accumulate duplicates.
func (s *FlowSession) Record(d Day, taskIDs []string) {
	if s.Selections == nil {
		s.Selections = make(map[Day][]string)
	}
	s.Selections[d] = taskIDs
}

// Clone returns a deep copy so stores can hand out sessions without exposing
// their internal maps to unsynchronized mutation.
func (s *FlowSession) Clone() *FlowSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.TasksByDay != nil {
		out.TasksByDay = make(map[Day][]Task, len(s.TasksByDay))
		for d, tasks := range s.TasksByDay {
			out.TasksByDay[d] = append([]Task(nil), tasks...)
		}
	}
	if s.Selections != nil {
		out.Selections = make(map[Day][]string, len(s.Selections))
		for d, ids := range s.Selections {
			out.Selections[d] = append([]string(nil), ids...)
		}
	}
	if s.Context != nil {
		out.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// EncryptedEnvelope is the wire shape of an inbound encrypted request.
type EncryptedEnvelope struct {
	EncryptedFlowData string `json:"encrypted_flow_data"`
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	InitialVector     string `json:"initial_vector"`
}

// Validate checks that all three envelope fields are present.
func (e *EncryptedEnvelope) Validate() error {
	if e.EncryptedFlowData == "" || e.EncryptedAESKey == "" || e.InitialVector == "" {
		return fmt.Errorf("incomplete envelope: flow_data_set=%t aes_key_set=%t iv_set=%t",
			e.EncryptedFlowData != "", e.EncryptedAESKey != "", e.InitialVector != "")
	}
	return nil
}

// DecryptedMessage is the plaintext request carried inside an envelope.
type DecryptedMessage struct {
	Version   string          `json:"version"`
	Action    string          `json:"action"`
	Screen    string          `json:"screen,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	FlowToken string          `json:"flow_token"`
}

// InitData is the data payload of an INIT action: the task catalog pushed at
// session start plus pass-through metadata.
type InitData struct {
	TasksByDay   map[string][]Task `json:"tasks_by_day"`
	WeekStartISO string            `json:"week_start_iso,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	Mode         string            `json:"mode,omitempty"`
}

// ExchangeData is the data payload of a data_exchange action. The selection
// list arrives under different keys depending on the flow definition; see
// SelectionIDs.
type ExchangeData struct {
	Day            string   `json:"day,omitempty"`
	SelectedDay    string   `json:"selected_day,omitempty"`
	ModifyTasks    []string `json:"modify_tasks,omitempty"`
	CompletedTasks []string `json:"completed_tasks,omitempty"`
	SelectedTasks  []string `json:"selected_tasks,omitempty"`
}

// SelectionIDs returns the task identifier list of the exchange, whichever
// key the flow definition used. A present-but-empty list is a valid answer
// (no tasks selected that day).
func (d *ExchangeData) SelectionIDs() []string {
	switch {
	case d.ModifyTasks != nil:
		return d.ModifyTasks
	case d.CompletedTasks != nil:
		return d.CompletedTasks
	case d.SelectedTasks != nil:
		return d.SelectedTasks
	default:
		return []string{}
	}
}

// NextScreen is the plaintext response returned to the platform, encrypted
// before leaving the gateway.
type NextScreen struct {
	Screen string         `json:"screen,omitempty"`
	Data   map[string]any `json:"data"`
}

// DayOption is one entry of the SELECT_JOUR day list.
type DayOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// PingAck is the static liveness acknowledgment; it never touches session
// state.
func PingAck() NextScreen {
	return NextScreen{Data: map[string]any{"status": "active"}}
}

// SelectDayScreen builds the day-picker screen listing all seven days.
func SelectDayScreen(loc DayLocale) NextScreen {
	options := make([]DayOption, 0, NumDays)
	for _, d := range Week() {
		options = append(options, DayOption{ID: d.Name(loc), Title: d.Title(loc)})
	}
	return NextScreen{
		Screen: ScreenSelectDay,
		Data:   map[string]any{"day_options": options},
	}
}

// DayScreen builds the selection screen for one day with its task catalog.
func DayScreen(d Day, loc DayLocale, tasks []Task) NextScreen {
	if tasks == nil {
		tasks = []Task{}
	}
	return NextScreen{
		Screen: d.Name(loc),
		Data:   map[string]any{"tasks": tasks},
	}
}

// SuccessScreen builds the terminal screen. The platform requires the
// completion parameters nested under extension_message_response.params with
// all numeric values encoded as strings.
func SuccessScreen(params map[string]string) NextScreen {
	return NextScreen{
		Screen: ScreenSuccess,
		Data: map[string]any{
			"extension_message_response": map[string]any{
				"params": params,
			},
		},
	}
}
