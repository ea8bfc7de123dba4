package orchestrator

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"ChatOps-Relay/internal/monitor"
	"ChatOps-Relay/internal/registry"
)

var _ monitor.Reporter = (*Orchestrator)(nil)

// ReportStatus 是监控器回调的状态转发入口。注册表的幂等推进是唯一的
// 去重闸口：重复、回退与并发的终态汇报在锁内被原子吸收，所以通知
// 天然按严重级别非递减送达，终态通知恰好一次。
func (o *Orchestrator) ReportStatus(taskID string, status registry.Status, detail string) {
	result, err := o.reg.Advance(taskID, status, detail)
	if err != nil {
		o.log.Debug("忽略未登记任务的状态汇报",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
		)
		return
	}
	if !result.Changed {
		o.log.Debug("重复或回退的状态汇报已吸收",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
			slog.String("current", string(result.Record.Status)),
		)
		return
	}

	o.metrics.StatusReported(string(status))
	ctx, cancel := o.notifyContext()
	defer cancel()

	if result.Terminal {
		o.forgetMonitor(taskID)
		o.metrics.TaskFinished()
		rec := result.Record
		// 失败但没带原因时向运行器要一份输出尾部，随终态通知一起展示。
		if rec.Status == registry.StatusFailed && rec.Detail == "" {
			if raw, err := o.runner.TaskOutput(ctx, taskID); err == nil {
				rec.Detail = outputTail(raw)
			}
		}
		o.notifier.TaskCompleted(ctx, rec)
		o.log.Info("任务结束",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
			slog.String("previous", string(result.Previous)),
		)
		return
	}

	if result.Record.Status == registry.StatusRunning {
		o.notifier.TaskRunning(ctx, result.Record)
		o.log.Info("任务进入运行状态", slog.String("task_id", taskID))
	}
}

const (
	tailLines = 3
	tailChars = 400
)

// outputTail 截取输出末尾的几行作为失败原因。聊天消息里放不下整段
// 日志，截断点落在 UTF-8 边界上。
func outputTail(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	tail := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(tail) > tailChars {
		cut := len(tail) - tailChars
		for cut < len(tail) && !utf8.RuneStart(tail[cut]) {
			cut++
		}
		tail = "…" + tail[cut:]
	}
	return tail
}
