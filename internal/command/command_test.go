package command

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"ChatOps-Relay/internal/chat"
)

func TestParseCommand(t *testing.T) {
	msg := chat.Message{
		ID:       "evt-1",
		RoomID:   "room-1",
		SenderID: "alice",
		Body:     "  !Run website deploy-staging branch=main dry_run=true extra  ",
	}
	cmd, isCommand, err := Parse(msg, "!")
	if err != nil || !isCommand {
		t.Fatalf("parse: isCommand=%v err=%v", isCommand, err)
	}
	if cmd.Verb != "run" {
		t.Fatalf("verb not lowered: %q", cmd.Verb)
	}
	if !reflect.DeepEqual(cmd.Args, []string{"website", "deploy-staging", "extra"}) {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
	if cmd.Options["branch"] != "main" || cmd.Options["dry_run"] != "true" {
		t.Fatalf("unexpected options: %v", cmd.Options)
	}
	if cmd.RoomID != "room-1" || cmd.SenderID != "alice" || cmd.MessageID != "evt-1" {
		t.Fatalf("message identity lost: %+v", cmd)
	}
	if cmd.ID == "" {
		t.Fatal("command should carry a correlation id")
	}
}

func TestParseIgnoresPlainChatter(t *testing.T) {
	_, isCommand, err := Parse(chat.Message{Body: "good morning"}, "!")
	if isCommand || err != nil {
		t.Fatalf("plain chatter misparsed: isCommand=%v err=%v", isCommand, err)
	}
}

func TestParseRejectsEmptyVerb(t *testing.T) {
	_, isCommand, err := Parse(chat.Message{Body: "!   "}, "!")
	if !isCommand || err == nil {
		t.Fatalf("bare prefix should be an invalid command: isCommand=%v err=%v", isCommand, err)
	}
}

func TestMuxRejectsDuplicateVerb(t *testing.T) {
	mux := NewMux()
	handler := func(context.Context, Command) {}
	if err := mux.Handle("run", "start a task", handler); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := mux.Handle("run", "other", handler); err == nil {
		t.Fatal("duplicate verb should be rejected")
	}
}

func TestMuxUnregisterFreesVerb(t *testing.T) {
	mux := NewMux()
	handler := func(context.Context, Command) {}
	if err := mux.Handle("help", "list commands", handler); err != nil {
		t.Fatalf("handle: %v", err)
	}
	mux.Unregister("help")
	if err := mux.Dispatch(context.Background(), Command{Verb: "help"}); err == nil {
		t.Fatal("dispatch after unregister should fail")
	}
	// 注销后动词可以被新实例重新注册。
	if err := mux.Handle("help", "list commands", handler); err != nil {
		t.Fatalf("re-handle after unregister: %v", err)
	}
	mux.Unregister("never-registered")
}

func TestMuxVerbsSorted(t *testing.T) {
	mux := NewMux()
	handler := func(context.Context, Command) {}
	for _, verb := range []string{"tasks", "help", "run"} {
		if err := mux.Handle(verb, verb+" help", handler); err != nil {
			t.Fatalf("handle %s: %v", verb, err)
		}
	}
	verbs := mux.Verbs()
	if len(verbs) != 3 || verbs[0].Verb != "help" || verbs[1].Verb != "run" || verbs[2].Verb != "tasks" {
		t.Fatalf("verbs not sorted: %+v", verbs)
	}
}

type fakeEvents struct {
	onMessage  chat.MessageHandler
	onReaction chat.ReactionHandler
}

func (f *fakeEvents) OnMessage(h chat.MessageHandler)   { f.onMessage = h }
func (f *fakeEvents) OnReaction(h chat.ReactionHandler) { f.onReaction = h }

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return "msg-id", nil
}

func (f *fakeSender) SendFormatted(ctx context.Context, roomID, text, html string) (string, error) {
	return f.SendMessage(ctx, roomID, text)
}

func (f *fakeSender) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeResponder struct {
	consumeMessages bool
	messages        int
	reactions       int
}

func (f *fakeResponder) HandleMessage(chat.Message) bool {
	f.messages++
	return f.consumeMessages
}

func (f *fakeResponder) HandleReaction(chat.Reaction) bool {
	f.reactions++
	return true
}

func TestBotDispatchesCommands(t *testing.T) {
	mux := NewMux()
	dispatched := make(chan Command, 1)
	if err := mux.Handle("run", "start a task", func(ctx context.Context, cmd Command) {
		dispatched <- cmd
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sender := &fakeSender{}
	events := &fakeEvents{}
	bot := NewBot(mux, sender, WithBotLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	bot.Bind(events)

	events.onMessage(context.Background(), chat.Message{ID: "m1", RoomID: "room-1", SenderID: "alice", Body: "!run website"})

	select {
	case cmd := <-dispatched:
		if cmd.Verb != "run" || len(cmd.Args) != 1 || cmd.Args[0] != "website" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command was not dispatched")
	}
}

func TestBotRepliesOnUnknownVerb(t *testing.T) {
	sender := &fakeSender{}
	events := &fakeEvents{}
	bot := NewBot(NewMux(), sender, WithBotLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	bot.Bind(events)

	events.onMessage(context.Background(), chat.Message{RoomID: "room-1", Body: "!launch"})

	deadline := time.After(2 * time.Second)
	for sender.lastSent() == "" {
		select {
		case <-deadline:
			t.Fatal("no reply for unknown verb")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !strings.Contains(sender.lastSent(), "Unknown command") {
		t.Fatalf("unexpected reply: %q", sender.lastSent())
	}
}

func TestBotRoutesNonCommandsToResponder(t *testing.T) {
	responder := &fakeResponder{consumeMessages: true}
	events := &fakeEvents{}
	bot := NewBot(NewMux(), &fakeSender{},
		WithResponder(responder),
		WithBotLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	bot.Bind(events)

	events.onMessage(context.Background(), chat.Message{RoomID: "room-1", SenderID: "alice", Body: "yes"})
	events.onReaction(context.Background(), chat.Reaction{MessageID: "m1", SenderID: "alice", Key: "👍"})

	if responder.messages != 1 || responder.reactions != 1 {
		t.Fatalf("responder not wired: messages=%d reactions=%d", responder.messages, responder.reactions)
	}
}

func TestBotCommandHookCounts(t *testing.T) {
	mux := NewMux()
	_ = mux.Handle("status", "", func(context.Context, Command) {})

	var verbs []string
	var mu sync.Mutex
	events := &fakeEvents{}
	bot := NewBot(mux, &fakeSender{},
		WithCommandHook(func(verb string) {
			mu.Lock()
			verbs = append(verbs, verb)
			mu.Unlock()
		}),
		WithBotLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	bot.Bind(events)

	events.onMessage(context.Background(), chat.Message{RoomID: "room-1", Body: "!status"})

	mu.Lock()
	defer mu.Unlock()
	if len(verbs) != 1 || verbs[0] != "status" {
		t.Fatalf("hook not invoked: %v", verbs)
	}
}
