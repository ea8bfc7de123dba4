package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	xerrors "ChatOps-Relay/internal/errors"
)

type memorySender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (s *memorySender) SendMessage(_ context.Context, _ string, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("room unreachable")
	}
	s.sent = append(s.sent, text)
	return "m-1", nil
}

func (s *memorySender) SendFormatted(ctx context.Context, roomID, text, _ string) (string, error) {
	return s.SendMessage(ctx, roomID, text)
}

func TestChatNotifierFormatsEvent(t *testing.T) {
	sender := &memorySender{}
	n := &ChatNotifier{Sender: sender, RoomID: "ops-room"}

	err := n.Notify(context.Background(), Event{
		Code:      "LIFECYCLE_FAILED",
		Message:   "plugin enable failed",
		Severity:  xerrors.SeverityWarning,
		Component: "plugin-manager",
		Plugin:    "push-monitor",
		Metadata:  map[string]string{"manifest": "push-monitor.json"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	text := sender.sent[0]
	for _, want := range []string{"⚠️", "LIFECYCLE_FAILED", "plugin enable failed", "component: plugin-manager", "plugin: push-monitor", "manifest: push-monitor.json"} {
		if !strings.Contains(text, want) {
			t.Fatalf("alert missing %q:\n%s", want, text)
		}
	}
}

func TestChatNotifierSkipsWhenUnconfigured(t *testing.T) {
	n := &ChatNotifier{}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err != nil {
		t.Fatalf("unconfigured notifier should skip silently, got %v", err)
	}
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	broken := &ChatNotifier{Sender: &memorySender{fail: true}, RoomID: "ops-room"}
	healthy := &LogNotifier{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	d := NewFanout(broken, healthy)

	err := d.Notify(context.Background(), FromError("orchestrator", xerrors.New(xerrors.CodeUnavailable, "runner down")))
	if err == nil {
		t.Fatal("failed channel must surface an error")
	}
	if !strings.Contains(err.Error(), "channel chat") {
		t.Fatalf("error should name the channel: %v", err)
	}
}
