package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"github.com/ikanisa/easymo/internal/orchestration"
	"github.com/ikanisa/easymo/internal/sourcing"
)

// DefaultPromptTimeout is how long a context may wait in AWAITING_INPUT
// before SweepTimeouts returns it to IDLE.
const DefaultPromptTimeout = 10 * time.Minute

// Sessions is the part of the sourcing manager the controller drives.
type Sessions interface {
	CreateSession(ctx context.Context, req sourcing.CreateRequest) (*models.SourcingSession, error)
	Get(ctx context.Context, id string) (*models.SourcingSession, error)
	CancelSession(ctx context.Context, id string) (*models.SourcingSession, error)
	SelectQuote(ctx context.Context, id string, quoteID uint) (*models.SourcingSession, error)
}

// Runner runs sourcing sessions in the background.
type Runner interface {
	Start(sessionID string)
	Cancel(sessionID string) bool
}

// InboundEvent is one message from a user.
type InboundEvent struct {
	UserID     string
	Text       string
	ReceivedAt time.Time
	ChannelID  string
	ThreadID   string
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Store         *Store
	Classifier    Classifier
	Sessions      Sessions
	Runner        Runner
	Notifier      Notifier
	Clock         clock.Clock   // defaults to the wall clock
	PromptTimeout time.Duration // defaults to DefaultPromptTimeout
}

// Controller turns inbound messages and session outcomes into state
// transitions and replies. Work for one user is serialized; different users
// proceed in parallel.
type Controller struct {
	opts    ControllerOpts
	clock   clock.Clock
	machine *Machine
	locks   keyedMutex
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	var errs []string
	if opts.Store == nil {
		errs = append(errs, "store is required")
	}
	if opts.Classifier == nil {
		errs = append(errs, "classifier is required")
	}
	if opts.Sessions == nil {
		errs = append(errs, "sessions is required")
	}
	if opts.Runner == nil {
		errs = append(errs, "runner is required")
	}
	if opts.Notifier == nil {
		errs = append(errs, "notifier is required")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("conversation: %s", strings.Join(errs, "; "))
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	m, err := NewMachine(opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	return &Controller{opts: opts, clock: opts.Clock, machine: m}, nil
}

// turn accumulates the effects of handling one event for one user. They are
// applied by finish after the context is saved.
type turn struct {
	ctx     context.Context
	cx      *Context
	replies []Reply
	start   string
}

func (t *turn) say(text string) {
	t.replies = append(t.replies, Reply{Text: text})
}

// HandleInbound processes one user message.
func (c *Controller) HandleInbound(ctx context.Context, ev InboundEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("conversation: inbound: user id is required")
	}
	unlock := c.locks.lock(ev.UserID)
	defer unlock()

	cx, err := c.opts.Store.Load(ctx, ev.UserID)
	if err != nil {
		return err
	}
	t := &turn{ctx: ctx, cx: cx}
	text := strings.TrimSpace(ev.Text)
	switch strings.ToLower(text) {
	case "reset":
		c.reset(t)
	case "cancel":
		c.cancel(t)
	default:
		c.dispatch(t, text)
	}

	if ev.ChannelID != "" {
		cx.Metadata[MetaChannel] = ev.ChannelID
		cx.Metadata[MetaThread] = ev.ThreadID
	}
	return c.finish(t)
}

func (c *Controller) dispatch(t *turn, text string) {
	switch t.cx.State {
	case StateIdle, StateCompleted:
		c.send(t, EventStart)
		if text == "" {
			t.say(msgPrompt)
			return
		}
		c.send(t, EventMessageReceived)
		c.classify(t, text)
	case StateAwaitingInput, StateFallback:
		if text == "" {
			t.say(msgPrompt)
			return
		}
		c.send(t, EventMessageReceived)
		c.classify(t, text)
	case StateProcessingIntent:
		c.classify(t, text)
	case StateAgentActive:
		c.status(t)
	case StateAwaitingConfirmation:
		c.choose(t, text)
	case StateError:
		t.say(msgErrorReminder)
	}
}

func (c *Controller) classify(t *turn, text string) {
	cx := t.cx
	intent, ok, err := c.opts.Classifier.Classify(t.ctx, text)
	if err != nil {
		log.Printf("conversation: %s: classify: %v", cx.UserID, err)
		ok = false
	}
	if !ok {
		if c.send(t, EventFallback) {
			t.say(msgFallback)
			return
		}
		c.send(t, EventAgentFailed)
		t.say(msgGiveUp)
		return
	}

	cx.LastIntent = intent.AgentType
	if !c.send(t, EventIntentRecognized) {
		t.say(msgErrorReminder)
		return
	}
	s, err := c.opts.Sessions.CreateSession(t.ctx, sourcing.CreateRequest{
		AgentType: intent.AgentType,
		FlowType:  intent.FlowType,
		UserID:    cx.UserID,
		Criteria:  intent.Criteria,
	})
	if err != nil {
		c.agentFailed(t, createFailure(intent.AgentType, err))
		return
	}
	cx.ActiveSessionID = s.ID
	cx.OptionQuoteIDs = nil
	t.start = s.ID
	t.say(msgSearching(s.AgentType, s.SLAMinutes))
}

func createFailure(agentType string, err error) string {
	switch {
	case errors.Is(err, sourcing.ErrAgentDisabled), errors.Is(err, sourcing.ErrUnknownAgent):
		return msgUnavailable(agentType)
	case errors.Is(err, sourcing.ErrInvalidCriteria):
		detail := err.Error()
		if _, after, found := strings.Cut(detail, offer.ErrInvalidCriteria.Error()+": "); found {
			detail = after
		}
		return msgNeedDetail(detail)
	}
	log.Printf("conversation: create session for %s: %v", agentType, err)
	return msgSearchFailed
}

// agentFailed moves an active conversation to FALLBACK, or to ERROR once
// the fallback budget is spent.
func (c *Controller) agentFailed(t *turn, msg string) {
	t.cx.ActiveSessionID = ""
	t.cx.OptionQuoteIDs = nil
	res := c.machine.Send(t.cx, EventAgentFailed)
	t.say(msg)
	if res.To == StateError {
		t.say(msgGiveUp)
	}
}

func (c *Controller) status(t *turn) {
	s, err := c.opts.Sessions.Get(t.ctx, t.cx.ActiveSessionID)
	if err != nil {
		log.Printf("conversation: %s: session %s: %v", t.cx.UserID, t.cx.ActiveSessionID, err)
		t.say(msgStillSearching(0))
		return
	}
	left := int(math.Ceil(s.DeadlineAt.Sub(c.clock.Now()).Minutes()))
	t.say(msgStillSearching(left))
}

func (c *Controller) choose(t *turn, text string) {
	cx := t.cx
	n, err := strconv.Atoi(strings.TrimPrefix(text, "#"))
	if err != nil || n < 1 || n > len(cx.OptionQuoteIDs) {
		t.say(msgPickOption(len(cx.OptionQuoteIDs)))
		return
	}
	quoteID := cx.OptionQuoteIDs[n-1]
	s, err := c.opts.Sessions.SelectQuote(t.ctx, cx.ActiveSessionID, quoteID)
	if err != nil {
		log.Printf("conversation: %s: select quote %d: %v", cx.UserID, quoteID, err)
		t.say(msgPickOption(len(cx.OptionQuoteIDs)))
		return
	}
	opt := Option{Number: n, QuoteID: quoteID}
	for _, q := range s.Quotes {
		if q.ID == quoteID {
			opt = OptionsFor([]models.Quote{q})[0]
			opt.Number = n
		}
	}
	c.send(t, EventMessageReceived)
	cx.ActiveSessionID = ""
	cx.OptionQuoteIDs = nil
	t.say(msgConfirmed(opt))
}

func (c *Controller) cancel(t *turn) {
	switch t.cx.State {
	case StateAgentActive:
		c.stopSession(t)
		c.send(t, EventUserCancelled)
		t.say(msgCancelled)
	case StateAwaitingConfirmation:
		c.send(t, EventUserCancelled)
		t.cx.ActiveSessionID = ""
		t.cx.OptionQuoteIDs = nil
		t.say(msgCancelled)
	default:
		t.say(msgNothingPending)
	}
}

func (c *Controller) reset(t *turn) {
	cx := t.cx
	switch cx.State {
	case StateAgentActive:
		c.stopSession(t)
		c.send(t, EventUserCancelled)
	case StateProcessingIntent:
		c.send(t, EventAgentFailed)
	}
	if !c.send(t, EventReset) {
		cx.LastIntent = ""
		cx.ActiveSessionID = ""
		cx.OptionQuoteIDs = nil
	}
	if cx.State == StateIdle {
		c.send(t, EventStart)
	}
	t.say(msgReset)
}

func (c *Controller) stopSession(t *turn) {
	id := t.cx.ActiveSessionID
	if id == "" {
		return
	}
	c.opts.Runner.Cancel(id)
	if _, err := c.opts.Sessions.CancelSession(t.ctx, id); err != nil {
		log.Printf("conversation: %s: cancel session %s: %v", t.cx.UserID, id, err)
	}
	t.cx.ActiveSessionID = ""
}

// HandleOutcome applies the result of a session run to the owning user's
// conversation. Outcomes for sessions the user has moved on from are
// ignored.
func (c *Controller) HandleOutcome(ctx context.Context, o orchestration.Outcome) error {
	s := o.Session
	if s == nil || s.UserID == "" {
		return nil
	}
	unlock := c.locks.lock(s.UserID)
	defer unlock()

	cx, err := c.opts.Store.Load(ctx, s.UserID)
	if err != nil {
		return err
	}
	if cx.State != StateAgentActive || cx.ActiveSessionID != s.ID {
		log.Printf("conversation: %s: ignoring %s outcome of session %s", s.UserID, o.Kind, s.ID)
		return nil
	}

	t := &turn{ctx: ctx, cx: cx}
	switch o.Kind {
	case orchestration.OutcomeResults:
		opts := OptionsFor(o.Top)
		cx.OptionQuoteIDs = make([]uint, len(opts))
		for i, opt := range opts {
			cx.OptionQuoteIDs[i] = opt.QuoteID
		}
		c.send(t, EventAgentCompleted)
		t.replies = append(t.replies, Reply{Text: OptionsText(opts), Options: opts})
	case orchestration.OutcomeEmpty:
		c.agentFailed(t, msgNoMatches)
	case orchestration.OutcomeExpired:
		c.agentFailed(t, msgNoAnswer)
	case orchestration.OutcomeCancelled:
		// A chat cancel has already left AGENT_ACTIVE, so this one came from
		// the API or the CLI.
		cx.ActiveSessionID = ""
		c.send(t, EventUserCancelled)
		t.say(msgSearchStopped)
	}
	return c.finish(t)
}

// SweepTimeouts returns conversations left in AWAITING_INPUT for longer than
// the prompt timeout to IDLE. It returns how many were moved.
func (c *Controller) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := c.clock.Now().Add(-c.opts.PromptTimeout)
	users, err := c.opts.Store.Stale(ctx, StateAwaitingInput, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, userID := range users {
		moved, err := c.timeout(ctx, userID, cutoff)
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}
	return n, nil
}

func (c *Controller) timeout(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	unlock := c.locks.lock(userID)
	defer unlock()

	cx, err := c.opts.Store.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	if cx.State != StateAwaitingInput || !cx.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	t := &turn{ctx: ctx, cx: cx}
	c.send(t, EventTimeout)
	return true, c.finish(t)
}

// Context returns the stored context for userID.
func (c *Controller) Context(ctx context.Context, userID string) (*Context, error) {
	unlock := c.locks.lock(userID)
	defer unlock()
	return c.opts.Store.Load(ctx, userID)
}

func (c *Controller) send(t *turn, ev Event) bool {
	return c.machine.Send(t.cx, ev).Accepted
}

// finish persists the context, starts any new session run and delivers the
// replies, in that order.
func (c *Controller) finish(t *turn) error {
	cx := t.cx
	if err := c.opts.Store.Save(t.ctx, cx, c.clock.Now()); err != nil {
		return err
	}
	if t.start != "" {
		c.opts.Runner.Start(t.start)
	}
	for _, r := range t.replies {
		r.UserID = cx.UserID
		r.ChannelID = cx.Metadata[MetaChannel]
		r.ThreadID = cx.Metadata[MetaThread]
		if err := c.opts.Notifier.Notify(t.ctx, r); err != nil {
			log.Printf("conversation: notify %s: %v", cx.UserID, err)
		}
	}
	return nil
}

// keyedMutex serializes work per key. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
