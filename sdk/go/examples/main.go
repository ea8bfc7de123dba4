package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ChatOps-Relay/sdk/go/chatops"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plugins", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"plugins": []chatops.PluginStatus{
				{Name: "poll-monitor", Version: "1.2.0", Type: "task_monitor", State: "started", Enabled: true},
				{Name: "push-monitor", Version: "0.9.1", Type: "task_monitor", State: "initialised", Enabled: false, Reason: "disabled"},
				{Name: "help", Version: "1.0.0", Type: "command_extension", State: "started", Enabled: true},
			},
			"count": 3,
		})
	})
	mux.HandleFunc("/api/v1/plugins/push-monitor/enable", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// The monitor slot is held by poll-monitor; swapping monitors
		// requires disabling the incumbent first.
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "monitor slot occupied by poll-monitor"})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []chatops.Task{
				{
					TaskID:      "task-demo",
					ProjectID:   "p-1",
					TemplateID:  "deploy-staging",
					RoomID:      r.URL.Query().Get("room"),
					RequesterID: "alice",
					DisplayName: "deploy",
					Status:      "running",
					StartedAt:   time.Now().Add(-90 * time.Second).UTC(),
				},
			},
			"count": 1,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := chatops.NewClient(srv.URL, "demo-token", srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	plugins, err := client.ListPlugins(ctx)
	if err != nil {
		panic(err)
	}
	for _, p := range plugins {
		fmt.Printf("plugin %s v%s [%s] state=%s enabled=%v\n", p.Name, p.Version, p.Type, p.State, p.Enabled)
	}

	if err := client.EnablePlugin(ctx, "push-monitor"); err != nil {
		fmt.Printf("enable push-monitor rejected: %v\n", err)
	}

	tasks, err := client.ListRoomTasks(ctx, "room-ops")
	if err != nil {
		panic(err)
	}
	for _, task := range tasks {
		fmt.Printf("task %s (%s) status=%s started=%s\n", task.TaskID, task.DisplayName, task.Status, task.StartedAt.Format(time.RFC3339))
	}
}
