package monitor

import (
	"github.com/tidwall/gjson"

	xerrors "ChatOps-Relay/internal/errors"
)

// Event 是事件源送达的一条任务状态事件。
type Event struct {
	TaskID    string
	ProjectID string
	Status    string
	Detail    string
}

// ParseEvent 宽容地解析事件载荷。不同的运行器把事件包在不同的信封里
// （顶层对象、event 字段、data 字段），字段命名也不完全一致，这里统一
// 吸收掉这些差异；只要能找到任务 ID 和状态就算有效。
func ParseEvent(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "事件载荷不是合法 JSON")
	}
	node := gjson.ParseBytes(payload)
	for _, envelope := range []string{"event", "data", "payload"} {
		if inner := node.Get(envelope); inner.IsObject() {
			node = inner
			break
		}
	}

	ev := Event{
		TaskID:    firstString(node, "task_id", "taskId", "id"),
		ProjectID: firstString(node, "project_id", "projectId", "project"),
		Status:    firstString(node, "status", "state", "phase"),
		Detail:    firstString(node, "detail", "message", "reason"),
	}
	if ev.TaskID == "" {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "事件缺少任务 ID")
	}
	if ev.Status == "" {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "事件缺少状态字段")
	}
	return ev, nil
}

func firstString(node gjson.Result, keys ...string) string {
	for _, key := range keys {
		if value := node.Get(key); value.Exists() && value.String() != "" {
			return value.String()
		}
	}
	return ""
}
