// Package conversation drives the per-user dialogue: it specializes the
// generic state machine with the sourcing conversation table, persists each
// user's context, and turns inbound chat messages and session outcomes into
// replies.
package conversation

import (
	"time"

	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/fsm"
)

// State is a conversation state.
type State string

// Conversation states.
const (
	StateIdle                 State = "IDLE"
	StateAwaitingInput        State = "AWAITING_INPUT"
	StateProcessingIntent     State = "PROCESSING_INTENT"
	StateAgentActive          State = "AGENT_ACTIVE"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateFallback             State = "FALLBACK"
	StateCompleted            State = "COMPLETED"
	StateError                State = "ERROR"
)

// Event is a conversation event.
type Event string

// Conversation events.
const (
	EventStart            Event = "START"
	EventMessageReceived  Event = "MESSAGE_RECEIVED"
	EventIntentRecognized Event = "INTENT_RECOGNIZED"
	EventAgentCompleted   Event = "AGENT_COMPLETED"
	EventAgentFailed      Event = "AGENT_FAILED"
	EventUserCancelled    Event = "USER_CANCELLED"
	EventTimeout          Event = "TIMEOUT"
	EventFallback         Event = "FALLBACK"
	EventReset            Event = "RESET"
)

// MaxFallbacks is the number of fallback prompts a user gets before the
// conversation moves to ERROR.
const MaxFallbacks = 3

// Metadata keys carrying the chat routing of a conversation.
const (
	MetaChannel = "channel"
	MetaThread  = "thread"
)

// Record is one accepted transition.
type Record = fsm.Record[State, Event]

// Context is one user's dialogue state.
type Context struct {
	UserID          string
	State           State
	LastIntent      string
	FallbackCount   int
	Metadata        map[string]string
	ActiveSessionID string
	OptionQuoteIDs  []uint
	UpdatedAt       time.Time

	// nextSeq is the sequence number the next persisted record gets.
	nextSeq int
	// pending holds records appended since the context was loaded.
	pending []Record
}

// NewContext returns a fresh context in IDLE.
func NewContext(userID string) *Context {
	return &Context{
		UserID:   userID,
		State:    StateIdle,
		Metadata: make(map[string]string),
		nextSeq:  1,
	}
}

// CurrentState implements fsm.Context.
func (c *Context) CurrentState() State { return c.State }

// SetState implements fsm.Context.
func (c *Context) SetState(s State) { c.State = s }

// AppendHistory implements fsm.Context.
func (c *Context) AppendHistory(r Record) { c.pending = append(c.pending, r) }

// Pending returns the transitions not yet persisted.
func (c *Context) Pending() []Record { return c.pending }

// Machine is the conversation state machine.
type Machine = fsm.Machine[*Context, State, Event]

type transition = fsm.Transition[*Context, State]

func belowFallbackLimit(c *Context) bool { return c.FallbackCount < MaxFallbacks }

func hasIntent(c *Context) bool { return c.LastIntent != "" }

func countFallback(c *Context) { c.FallbackCount++ }

func clearFallbacks(c *Context) { c.FallbackCount = 0 }

func resetContext(c *Context) {
	c.FallbackCount = 0
	c.LastIntent = ""
	c.Metadata = make(map[string]string)
	c.ActiveSessionID = ""
	c.OptionQuoteIDs = nil
}

// NewMachine builds the conversation state machine. A nil clk uses the
// wall clock.
func NewMachine(clk clock.Clock) (*Machine, error) {
	to := func(s State) []transition { return []transition{{Target: s}} }
	cfg := fsm.Config[*Context, State, Event]{
		ID:      "conversation",
		Initial: StateIdle,
		States: []fsm.StateDef[*Context, State, Event]{
			{Name: StateIdle, On: map[Event][]transition{
				EventStart: to(StateAwaitingInput),
			}},
			{Name: StateAwaitingInput, On: map[Event][]transition{
				EventMessageReceived: to(StateProcessingIntent),
				EventTimeout:         to(StateIdle),
			}},
			{Name: StateProcessingIntent, On: map[Event][]transition{
				EventIntentRecognized: {{Target: StateAgentActive, Guard: hasIntent}},
				EventFallback:         {{Target: StateFallback, Guard: belowFallbackLimit, Action: countFallback}},
				EventAgentFailed:      to(StateError),
			}},
			{Name: StateAgentActive, On: map[Event][]transition{
				EventAgentCompleted: to(StateAwaitingConfirmation),
				EventAgentFailed: {
					{Target: StateFallback, Guard: belowFallbackLimit, Action: countFallback},
					{Target: StateError},
				},
				EventUserCancelled: {{Target: StateIdle, Action: clearFallbacks}},
			}},
			{Name: StateAwaitingConfirmation, On: map[Event][]transition{
				EventMessageReceived: {{Target: StateCompleted, Action: clearFallbacks}},
				EventUserCancelled:   {{Target: StateIdle, Action: clearFallbacks}},
				EventReset:           {{Target: StateIdle, Action: resetContext}},
			}},
			{Name: StateFallback, On: map[Event][]transition{
				EventMessageReceived: to(StateProcessingIntent),
				EventReset:           {{Target: StateIdle, Action: resetContext}},
			}},
			{Name: StateCompleted, On: map[Event][]transition{
				EventReset: {{Target: StateIdle, Action: resetContext}},
				EventStart: {{Target: StateAwaitingInput, Action: clearFallbacks}},
			}},
			{Name: StateError, On: map[Event][]transition{
				EventReset:    {{Target: StateIdle, Action: resetContext}},
				EventFallback: {{Target: StateFallback, Guard: belowFallbackLimit, Action: countFallback}},
			}},
		},
	}
	return fsm.New(cfg, clk)
}
