package registry

import (
	"strings"
	"time"
)

// Status 表示任务在运行器侧的生命周期状态。
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal 判断状态是否为终态。终态之后不会再有任何状态迁移。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Severity 返回状态的严重级别，用于保证通知按非递减顺序送达：
// starting < running < 终态。
func (s Status) Severity() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusStopped:
		return 2
	default:
		return 0
	}
}

// Valid 检查给定的任务状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusSucceeded, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// statusAliases 将任务运行器和事件源使用的各种写法归一到内部枚举。
var statusAliases = map[string]Status{
	"starting":    StatusStarting,
	"queued":      StatusStarting,
	"pending":     StatusStarting,
	"created":     StatusStarting,
	"waiting":     StatusStarting,
	"running":     StatusRunning,
	"started":     StatusRunning,
	"in_progress": StatusRunning,
	"active":      StatusRunning,
	"succeeded":   StatusSucceeded,
	"success":     StatusSucceeded,
	"passed":      StatusSucceeded,
	"done":        StatusSucceeded,
	"ok":          StatusSucceeded,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
	"errored":     StatusFailed,
	"stopped":     StatusStopped,
	"cancelled":   StatusStopped,
	"canceled":    StatusStopped,
	"aborted":     StatusStopped,
	"killed":      StatusStopped,
}

// ParseStatus 宽容地解析外部状态字符串。无法识别时返回 false。
func ParseStatus(raw string) (Status, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	status, ok := statusAliases[normalized]
	return status, ok
}

// TaskRecord 描述一个在途（或刚刚结束）的作业。记录只保存在内存中，
// 由任务注册表独占持有，状态只能经编排器的状态回报入口变更。
type TaskRecord struct {
	TaskID         string    `json:"task_id"`
	ProjectID      string    `json:"project_id"`
	TemplateID     string    `json:"template_id,omitempty"`
	RoomID         string    `json:"room_id"`
	RequesterID    string    `json:"requester_id"`
	DisplayName    string    `json:"display_name"`
	Status         Status    `json:"status"`
	Detail         string    `json:"detail,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastReminderAt time.Time `json:"last_reminder_at"`
}

// Label 返回面向用户的任务名称，缺省使用模板或任务 ID。
func (r TaskRecord) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if r.TemplateID != "" {
		return r.TemplateID
	}
	return r.TaskID
}
