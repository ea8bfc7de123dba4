package chatops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListPluginsSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plugins" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ops-token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"plugins": []PluginStatus{
				{Name: "poll-monitor", Version: "1.2.0", Type: "task_monitor", State: "started", Enabled: true},
				{Name: "help", Version: "1.0.0", Type: "command_extension", State: "started", Enabled: true},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "ops-token", srv.Client())
	plugins, err := client.ListPlugins(context.Background())
	if err != nil {
		t.Fatalf("list plugins: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[0].Name != "poll-monitor" || plugins[0].State != "started" {
		t.Fatalf("unexpected first plugin: %+v", plugins[0])
	}
}

func TestLifecycleOperationsHitTheRightEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", srv.Client())
	ctx := context.Background()
	if err := client.EnablePlugin(ctx, "push-monitor"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := client.DisablePlugin(ctx, "push-monitor"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := client.ReloadPlugin(ctx, "help"); err != nil {
		t.Fatalf("reload: %v", err)
	}

	want := []string{
		"/api/v1/plugins/push-monitor/enable",
		"/api/v1/plugins/push-monitor/disable",
		"/api/v1/plugins/help/reload",
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}

func TestLifecycleRequiresPluginName(t *testing.T) {
	client := NewClient("http://example.invalid", "", nil)
	if err := client.EnablePlugin(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty plugin name")
	}
}

func TestListRoomTasksScopesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("room"); got != "room-1" {
			t.Fatalf("expected room=room-1, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []Task{{TaskID: "task-1", RoomID: "room-1", Status: "running"}},
			"count": 1,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", srv.Client())
	tasks, err := client.ListRoomTasks(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("list room tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "monitor slot occupied by poll-monitor"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", srv.Client())
	err := client.EnablePlugin(context.Background(), "push-monitor")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message != "monitor slot occupied by poll-monitor" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}
