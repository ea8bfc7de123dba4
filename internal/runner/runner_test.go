package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ChatOps-Relay/internal/errors"
)

func TestStartTaskSendsAuthAndPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		var body struct {
			ProjectID  string            `json:"project_id"`
			TemplateID string            `json:"template_id"`
			Parameters map[string]string `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ProjectID != "proj-1" || body.TemplateID != "tpl-9" {
			t.Fatalf("unexpected payload: %+v", body)
		}
		if body.Parameters["branch"] != "main" {
			t.Fatalf("parameters not forwarded: %+v", body.Parameters)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	taskID, err := client.StartTask(context.Background(), "proj-1", "tpl-9", map[string]string{"branch": "main"})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("unexpected task id: %s", taskID)
	}
}

func TestListTemplates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/projects/proj-1/templates" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"templates": []Template{
				{ID: "tpl-1", ProjectID: "proj-1", Name: "deploy-staging"},
				{ID: "tpl-2", ProjectID: "proj-1", Name: "deploy-prod"},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	templates, err := client.ListTemplates(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) != 2 || templates[0].Name != "deploy-staging" {
		t.Fatalf("unexpected templates: %+v", templates)
	}
}

func TestTaskStateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "TASK_NOT_FOUND", "message": "no such task"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.TaskState(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.StopTask(context.Background(), "task-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := xerrors.CodeOf(err); code != CodeUpstreamFailed {
		t.Fatalf("expected UPSTREAM_FAILED, got %s", code)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("upstream failures should be retryable")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected missing base URL to be rejected")
	}
}
