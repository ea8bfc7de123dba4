package monitor

import (
	"testing"

	xerrors "ChatOps-Relay/internal/errors"
)

func TestParseEventFlatPayload(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"task_id":"t-1","project_id":"p-1","status":"running","detail":"step 1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.TaskID != "t-1" || ev.ProjectID != "p-1" || ev.Status != "running" || ev.Detail != "step 1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEventUnwrapsEnvelopes(t *testing.T) {
	payloads := []string{
		`{"event":{"task_id":"t-1","status":"failed"}}`,
		`{"data":{"task_id":"t-1","status":"failed"}}`,
		`{"payload":{"task_id":"t-1","status":"failed"}}`,
	}
	for _, payload := range payloads {
		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			t.Fatalf("parse %s: %v", payload, err)
		}
		if ev.TaskID != "t-1" || ev.Status != "failed" {
			t.Fatalf("unexpected event for %s: %+v", payload, ev)
		}
	}
}

func TestParseEventAcceptsFieldAliases(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"taskId":"t-2","project":"p-2","state":"in_progress","message":"building"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.TaskID != "t-2" || ev.ProjectID != "p-2" || ev.Status != "in_progress" || ev.Detail != "building" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEventRejectsIncompletePayloads(t *testing.T) {
	for _, payload := range []string{
		`{"status":"running"}`,
		`{"task_id":"t-1"}`,
		`not json at all`,
	} {
		_, err := ParseEvent([]byte(payload))
		if err == nil {
			t.Fatalf("expected error for %s", payload)
		}
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("unexpected error code for %s: %v", payload, err)
		}
	}
}
