package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ikanisa/easymo/internal/telegraph"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Compile-time interface compliance checks.
var _ telegraph.Adapter = (*Adapter)(nil)
var _ telegraph.BotUserIDer = (*Adapter)(nil)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErr   error
	postFails int // rate-limit the first N posts
	postCalls int
	users     map[string]*slackapi.User
	userCalls int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postCalls++
	if m.postCalls <= m.postFails {
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) lastPosted() (postedMessage, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.posted) == 0 {
		return postedMessage{}, 0
	}
	return m.posted[len(m.posted)-1], len(m.posted)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events   chan socketmode.Event
	mu       sync.Mutex
	acked    int
	runCalls int
	failRuns int // Run fails this many times before blocking
	done     chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	m.mu.Lock()
	m.runCalls++
	n := m.runCalls
	m.mu.Unlock()
	if n <= m.failRuns {
		return fmt.Errorf("connection failed (attempt %d)", n)
	}
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event { return m.events }

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
}

func (m *mockSocketClient) counts() (runs, acks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalls, m.acked
}

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: "C_OPS"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { close(socket.done) })
	return a, client, socket
}

func callback(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

func dm(user, text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		User: user, Channel: "D_ALICE", ChannelType: channelTypeIM,
		Text: text, TimeStamp: "1700000000.000001",
	}
}

func receive(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return telegraph.InboundMessage{}
}

func expectNone(t *testing.T, ch <-chan telegraph.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// --- New / Connect ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Error("expected error for missing app token")
	}
}

func TestConnect(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op: %v", err)
	}
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("connect after close should fail")
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Fatalf("err = %v", err)
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_DirectMessage(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- callback(dm("U_ALICE", "hardware: cement"))
	msg := receive(t, ch)
	if msg.Platform != "slack" || msg.ChannelID != "D_ALICE" || msg.UserID != "U_ALICE" || msg.UserName != "alice" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Text != "hardware: cement" || msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("msg = %+v", msg)
	}
	if _, acks := socket.counts(); acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}
}

func TestListen_IgnoresChannelMessages(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "C1", ChannelType: "channel", Text: "<@U_BOT_123> hi",
	})
	expectNone(t, ch)
}

func TestListen_AppMention(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.AppMentionEvent{
		User: "U_BOB", Channel: "C1", Text: "<@U_BOT_123> moto ride @-1.95,30.06",
		ThreadTimeStamp: "1700000000.000100", TimeStamp: "1700000001.000000",
	})
	msg := receive(t, ch)
	if msg.ChannelID != "C1" || msg.ThreadID != "1700000000.000100" || msg.UserName != "U_BOB" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestListen_Filters(t *testing.T) {
	tests := []struct {
		name  string
		inner interface{}
	}{
		{"self dm", dm("U_BOT_123", "echo")},
		{"bot message", &slackevents.MessageEvent{User: "U_X", BotID: "B1", ChannelType: channelTypeIM, Text: "x"}},
		{"edited", &slackevents.MessageEvent{User: "U_X", SubType: "message_changed", ChannelType: channelTypeIM, Text: "x"}},
		{"self mention", &slackevents.AppMentionEvent{User: "U_BOT_123", Channel: "C1", Text: "x"}},
		{"mention without user", &slackevents.AppMentionEvent{Channel: "C1", Text: "<@U_BOT_123> x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, socket := newTestAdapter(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := a.Listen(ctx)
			socket.events <- callback(tt.inner)
			expectNone(t, ch)
		})
	}
}

func TestDeliver_AfterCloseDropped(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	// Must not panic on the closed channel.
	a.deliver(telegraph.InboundMessage{UserID: "U1"})
}

func TestResolveUserName(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U_REAL"] = &slackapi.User{RealName: "Real Name"}

	if got := a.resolveUserName(""); got != "" {
		t.Errorf("empty id = %q", got)
	}
	if got := a.resolveUserName("U_GHOST"); got != "U_GHOST" {
		t.Errorf("unknown user = %q", got)
	}
	for i := 0; i < 3; i++ {
		if got := a.resolveUserName("U_REAL"); got != "Real Name" {
			t.Errorf("real name = %q", got)
		}
	}
	client.mu.Lock()
	calls := client.userCalls
	client.mu.Unlock()
	if calls != 2 {
		t.Errorf("user lookups = %d, want 2 (ghost once, real cached)", calls)
	}
}

// --- Send ---

func TestSend(t *testing.T) {
	a, client, _ := newTestAdapter(t)

	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "D_ALICE", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	last, n := client.lastPosted()
	if n != 1 || last.channelID != "D_ALICE" {
		t.Errorf("posted %d to %q", n, last.channelID)
	}

	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "digest"}); err != nil {
		t.Fatalf("send default: %v", err)
	}
	if last, _ := client.lastPosted(); last.channelID != "C_OPS" {
		t.Errorf("default channel = %q", last.channelID)
	}
}

func TestSend_Errors(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1"}); err == nil {
		t.Error("send before connect should fail")
	}
	a.Connect(context.Background())
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("send with no channel should fail")
	}

	b, client, _ := newTestAdapter(t)
	client.postErr = fmt.Errorf("channel_not_found")
	if err := b.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("expected post error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postFails = 2
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postCalls != 3 {
		t.Errorf("post calls = %d, want 3", client.postCalls)
	}
}

func TestMessageOptions(t *testing.T) {
	tests := []struct {
		name string
		msg  telegraph.OutboundMessage
		want int
	}{
		{"text only", telegraph.OutboundMessage{Text: "hello"}, 1},
		{"thread reply", telegraph.OutboundMessage{Text: "reply", ThreadID: "1234.5678"}, 2},
		{"offers under text", telegraph.OutboundMessage{Text: "offers", Cards: []telegraph.Card{{Title: "1. A"}, {Title: "2. B"}}}, 2},
		{"offers in thread", telegraph.OutboundMessage{Text: "offers", ThreadID: "1234.5678", Cards: []telegraph.Card{{Title: "1. A"}}}, 3},
		{"digest card only", telegraph.OutboundMessage{Cards: []telegraph.Card{{Title: "Daily Digest"}}}, 1},
	}
	for _, tt := range tests {
		if got := len(messageOptions(tt.msg)); got != tt.want {
			t.Errorf("%s: options = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCardAttachment(t *testing.T) {
	att := cardAttachment(telegraph.Card{
		Title:  "1. Kigali Tools: 18,000 RWF",
		Body:   "1.5 km away",
		Color:  telegraph.ColorBestOffer,
		Footer: "Reply 1 to choose this offer",
		Fields: []telegraph.Field{
			{Name: "Total", Value: "18,000 RWF", Short: true},
			{Name: "ETA", Value: "15 min", Short: true},
		},
	})
	if att.Title != "1. Kigali Tools: 18,000 RWF" || att.Fallback != att.Title || att.Text != "1.5 km away" || att.Color != telegraph.ColorBestOffer {
		t.Errorf("attachment = %+v", att)
	}
	if att.Footer != "Reply 1 to choose this offer" {
		t.Errorf("footer = %q", att.Footer)
	}
	if len(att.Fields) != 2 || att.Fields[0].Title != "Total" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"1700000000.000100", time.Unix(1700000000, 100000)},
		{"1234567890", time.Unix(1234567890, 0)},
		{"", time.Time{}},
		{"invalid", time.Time{}},
		{".5", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseSlackTimestamp(tt.ts); !got.Equal(tt.want) {
			t.Errorf("parseSlackTimestamp(%q) = %v, want %v", tt.ts, got, tt.want)
		}
	}
}

// --- retryOnRateLimit ---

func TestRetryOnRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		rateLimit bool
		wantCalls int
		wantErr   bool
	}{
		{"success", 0, true, 1, false},
		{"other error not retried", 1, false, 1, true},
		{"retries then succeeds", 2, true, 3, false},
		{"exhausts retries", 100, true, maxRetries + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnRateLimit(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					if tt.rateLimit {
						return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
					}
					return fmt.Errorf("invalid_auth")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled || calls != 1 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}

// --- runWithReconnect ---

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := newMockSocketClient()
	socket.failRuns = 2
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	waitRuns := time.After(time.Second)
	for {
		if runs, _ := socket.counts(); runs == 3 {
			break
		}
		select {
		case <-waitRuns:
			t.Fatal("expected a third Run after two failures")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(socket.done)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect should return after a clean Run")
	}
}

func TestRunWithReconnect_StopsOnContextCancel(t *testing.T) {
	socket := newMockSocketClient()
	socket.failRuns = 1000
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	a.baseBackoff = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect should stop on context cancel")
	}
}

func TestHandleSocketEvent_ConnectionEvents(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnected})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeConnectionError, Data: "test error"})
	a.handleSocketEvent(socketmode.Event{Type: socketmode.EventTypeDisconnect})
}
