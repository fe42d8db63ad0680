package telegraph

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func setupRouter(t *testing.T, botUserID string) (*Router, *MockAdapter, *fakeConversations) {
	t.Helper()
	adapter := NewMockAdapter()
	adapter.Connect(context.Background())
	convs := &fakeConversations{}

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Sessions: &fakeSessions{},
		Agents:   &fakeAgents{},
	})
	if err != nil {
		t.Fatalf("new command handler: %v", err)
	}

	var out bytes.Buffer
	router, err := NewRouter(RouterOpts{
		Conversations: convs,
		CmdHandler:    cmdHandler,
		Adapter:       adapter,
		BotUserID:     botUserID,
		Out:           &out,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router, adapter, convs
}

func TestNewRouter_Validation(t *testing.T) {
	cmd := &CommandHandler{}
	tests := []struct {
		name string
		opts RouterOpts
	}{
		{"nil conversations", RouterOpts{CmdHandler: cmd, Adapter: NewMockAdapter()}},
		{"nil command handler", RouterOpts{Conversations: &fakeConversations{}, Adapter: NewMockAdapter()}},
		{"nil adapter", RouterOpts{Conversations: &fakeConversations{}, CmdHandler: cmd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHandle_IgnoresSelfMessage(t *testing.T) {
	router, adapter, convs := setupRouter(t, "BOT1")
	router.Handle(context.Background(), InboundMessage{UserID: "BOT1", ChannelID: "D1", Text: "hardware: cement"})
	if len(convs.received()) != 0 {
		t.Error("self message should not reach the controller")
	}
	if adapter.SentCount() != 0 {
		t.Error("self message should not be answered")
	}
}

func TestHandle_EmptyBotID_NoFiltering(t *testing.T) {
	router, _, convs := setupRouter(t, "")
	router.Handle(context.Background(), InboundMessage{UserID: "", ChannelID: "D1", Text: "hello"})
	if len(convs.received()) != 1 {
		t.Errorf("received = %d, want 1", len(convs.received()))
	}
}

func TestHandle_CustomerMessageToController(t *testing.T) {
	router, adapter, convs := setupRouter(t, "BOT1")
	msg := InboundMessage{
		Platform:  "slack",
		ChannelID: "C1",
		ThreadID:  "T1",
		UserID:    "U1",
		UserName:  "alice",
		Text:      "<@BOT1>  hardware: cement @-1.95,30.06",
		Timestamp: t0,
	}
	router.Handle(context.Background(), msg)

	got := convs.received()
	if len(got) != 1 {
		t.Fatalf("received = %d, want 1", len(got))
	}
	ev := got[0]
	if ev.UserID != "U1" || ev.ChannelID != "C1" || ev.ThreadID != "T1" || !ev.ReceivedAt.Equal(t0) {
		t.Errorf("event = %+v", ev)
	}
	if ev.Text != "hardware: cement @-1.95,30.06" {
		t.Errorf("Text = %q, mention should be stripped", ev.Text)
	}
	if adapter.SentCount() != 0 {
		t.Error("router should leave replies to the controller")
	}
}

func TestHandle_ControllerErrorLogged(t *testing.T) {
	router, _, convs := setupRouter(t, "")
	convs.err = errors.New("db down")
	router.Handle(context.Background(), InboundMessage{UserID: "U1", Text: "hi"})
	if len(convs.received()) != 1 {
		t.Fatal("message should still be delivered")
	}
}

func TestHandle_MentionOnlyIgnored(t *testing.T) {
	router, adapter, convs := setupRouter(t, "BOT1")
	router.Handle(context.Background(), InboundMessage{UserID: "U1", Text: "<@BOT1>"})
	if len(convs.received()) != 0 || adapter.SentCount() != 0 {
		t.Error("bare mention should be ignored")
	}
}

func TestHandle_CommandRouting(t *testing.T) {
	router, adapter, convs := setupRouter(t, "BOT1")
	router.Handle(context.Background(), InboundMessage{UserID: "U1", ChannelID: "C1", ThreadID: "T9", Text: "!emo help"})

	if len(convs.received()) != 0 {
		t.Error("commands should not reach the controller")
	}
	last, ok := adapter.LastSent()
	if !ok {
		t.Fatal("expected command response")
	}
	if !strings.Contains(last.Text, "easyMO Commands") {
		t.Errorf("response = %q", last.Text)
	}
	if last.ChannelID != "C1" || last.ThreadID != "T9" {
		t.Errorf("response routed to %s/%s", last.ChannelID, last.ThreadID)
	}
}

func TestHandle_MentionThenCommand(t *testing.T) {
	router, adapter, convs := setupRouter(t, "BOT1")
	router.Handle(context.Background(), InboundMessage{UserID: "U1", ChannelID: "C1", Text: "<@!123456> !emo agents"})
	if len(convs.received()) != 0 {
		t.Error("command should not reach the controller")
	}
	last, _ := adapter.LastSent()
	if last.Text != "No agents configured." {
		t.Errorf("response = %q", last.Text)
	}
}

func TestIsCommand(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"!emo", true},
		{"!emo status", true},
		{"!emosomething", false},
		{"hello !emo", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isCommand(tt.text); got != tt.want {
			t.Errorf("isCommand(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@U123ABC> hello", "hello"},
		{"<@!987> hi <@654>", "hi"},
		{"ride @-1.95,30.06", "ride @-1.95,30.06"},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := stripMentions(tt.in); got != tt.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
