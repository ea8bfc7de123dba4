package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ChatOps-Relay/internal/command"
	"ChatOps-Relay/internal/confirm"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/observability/alerting"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/internal/runner"
)

// RegisterCommands 把任务动词挂到命令路由表。配置了插件运维入口时一并
// 注册插件动词。
func (o *Orchestrator) RegisterCommands(mux *command.Mux) error {
	verbs := []struct {
		verb, help string
		handler    command.HandlerFunc
	}{
		{"run", "run [project] [template] [key=value ...] — start a job after confirmation", o.handleRun},
		{"stop", "stop [task-id|last] — stop a job", o.handleStop},
		{"status", "status [task-id|last] — show job status", o.handleStatus},
		{"tasks", "tasks — list active jobs in this room", o.handleTasks},
	}
	for _, v := range verbs {
		if err := mux.Handle(v.verb, v.help, v.handler); err != nil {
			return err
		}
	}
	if o.admin != nil {
		return o.registerAdminCommands(mux)
	}
	return nil
}

// runTarget 是参数解析完成后的启动目标。
type runTarget struct {
	project  runner.Project
	template runner.Template
}

// handleRun 执行完整的启动流水线。每个阶段只有在上一阶段成功后才产生
// 副作用；确认等待不会阻塞别的命令，因为路由层已经按命令起协程。
func (o *Orchestrator) handleRun(_ context.Context, cmd command.Command) {
	pctx := o.pipelineContext()

	if len(cmd.Args) > 2 {
		nctx, cancel := o.notifyContext()
		defer cancel()
		o.notifier.Error(nctx, cmd.RoomID, "Too many arguments. Usage: !run [project] [template] [key=value ...]")
		return
	}
	var projectArg, templateArg string
	if len(cmd.Args) > 0 {
		projectArg = cmd.Args[0]
	}
	if len(cmd.Args) > 1 {
		templateArg = cmd.Args[1]
	}

	target, ok := o.resolveRun(pctx, cmd.RoomID, projectArg, templateArg)
	if !ok {
		return
	}
	action := describeAction(target, cmd.Options)

	nctx, cancel := o.notifyContext()
	promptID, err := o.notifier.ConfirmationPrompt(nctx, cmd.RoomID, cmd.SenderID, action, o.confirmTTL)
	cancel()
	if err != nil {
		o.log.Error("发送确认询问失败", slog.Any("error", err), slog.String("room_id", cmd.RoomID))
		return
	}

	ticket, err := o.broker.Track(promptID, cmd.RoomID, cmd.SenderID, action)
	if err != nil {
		o.log.Error("登记确认失败", slog.Any("error", err), slog.String("confirmation_id", promptID))
		nctx, cancel := o.notifyContext()
		defer cancel()
		o.notifier.Error(nctx, cmd.RoomID, "Couldn't track the confirmation, please retry.")
		return
	}

	outcome, err := ticket.Wait(pctx)
	if err != nil {
		o.log.Debug("等待确认被中止", slog.String("confirmation_id", promptID), slog.Any("error", err))
		return
	}
	o.metrics.ConfirmationResolved(string(outcome))

	switch outcome {
	case confirm.OutcomeCancelled:
		nctx, cancel := o.notifyContext()
		defer cancel()
		o.notifier.ConfirmationCancelled(nctx, cmd.RoomID, cmd.SenderID, action)
		return
	case confirm.OutcomeExpired:
		nctx, cancel := o.notifyContext()
		defer cancel()
		o.notifier.ConfirmationExpired(nctx, cmd.RoomID, action)
		return
	}

	o.startTask(pctx, cmd, target, action)
}

// resolveRun 补全启动目标。省略的维度有唯一候选时自动选中；没有候选
// 或有多个候选时发出相应提示并放弃，不会创建确认。
func (o *Orchestrator) resolveRun(ctx context.Context, roomID, projectArg, templateArg string) (runTarget, bool) {
	nctx, cancel := o.notifyContext()
	defer cancel()

	projects, err := o.runner.ListProjects(ctx)
	if err != nil {
		o.notifier.Error(nctx, roomID, "Couldn't list projects: "+userMessage(err))
		return runTarget{}, false
	}
	project, ok := o.pickProject(nctx, roomID, projects, projectArg)
	if !ok {
		return runTarget{}, false
	}

	templates, err := o.runner.ListTemplates(ctx, project.ID)
	if err != nil {
		o.notifier.Error(nctx, roomID, "Couldn't list templates for "+project.Name+": "+userMessage(err))
		return runTarget{}, false
	}
	template, ok := o.pickTemplate(nctx, roomID, project, templates, templateArg)
	if !ok {
		return runTarget{}, false
	}
	return runTarget{project: project, template: template}, true
}

func (o *Orchestrator) pickProject(nctx context.Context, roomID string, projects []runner.Project, arg string) (runner.Project, bool) {
	if arg != "" {
		for _, p := range projects {
			if strings.EqualFold(p.ID, arg) || strings.EqualFold(p.Name, arg) {
				return p, true
			}
		}
		o.notifier.Error(nctx, roomID, "No project matches \""+arg+"\".")
		return runner.Project{}, false
	}
	switch len(projects) {
	case 0:
		o.notifier.Error(nctx, roomID, "No projects are available — nothing to run.")
		return runner.Project{}, false
	case 1:
		return projects[0], true
	default:
		names := make([]string, 0, len(projects))
		for _, p := range projects {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		o.notifier.Error(nctx, roomID, "Which project? Candidates: "+strings.Join(names, ", "))
		return runner.Project{}, false
	}
}

func (o *Orchestrator) pickTemplate(nctx context.Context, roomID string, project runner.Project, templates []runner.Template, arg string) (runner.Template, bool) {
	if arg != "" {
		for _, t := range templates {
			if strings.EqualFold(t.ID, arg) || strings.EqualFold(t.Name, arg) {
				return t, true
			}
		}
		o.notifier.Error(nctx, roomID, "No template matches \""+arg+"\" in "+project.Name+".")
		return runner.Template{}, false
	}
	switch len(templates) {
	case 0:
		o.notifier.Error(nctx, roomID, "Project "+project.Name+" has no templates — nothing to run.")
		return runner.Template{}, false
	case 1:
		return templates[0], true
	default:
		names := make([]string, 0, len(templates))
		for _, t := range templates {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		o.notifier.Error(nctx, roomID, "Which template in "+project.Name+"? Candidates: "+strings.Join(names, ", "))
		return runner.Template{}, false
	}
}

// startTask 是流水线的第三阶段：确认通过后调用运行器并登记任务。
func (o *Orchestrator) startTask(pctx context.Context, cmd command.Command, target runTarget, action string) {
	nctx, cancel := o.notifyContext()
	defer cancel()

	taskID, err := o.runner.StartTask(pctx, target.project.ID, target.template.ID, cmd.Options)
	if err != nil {
		o.notifier.Error(nctx, cmd.RoomID, "Couldn't start \""+action+"\": "+userMessage(err))
		o.log.Error("启动任务失败",
			slog.String("project_id", target.project.ID),
			slog.String("template_id", target.template.ID),
			slog.Any("error", err),
		)
		if xerrors.ShouldAlert(err) {
			event := alerting.FromError("orchestrator", err)
			event.Metadata = map[string]string{"project": target.project.Name, "template": target.template.Name}
			o.alert(event)
		}
		return
	}

	rec := registry.TaskRecord{
		TaskID:      taskID,
		ProjectID:   target.project.ID,
		TemplateID:  target.template.ID,
		RoomID:      cmd.RoomID,
		RequesterID: cmd.SenderID,
		DisplayName: target.template.Name,
		Status:      registry.StatusStarting,
		StartedAt:   time.Now(),
	}
	if err := o.reg.Insert(rec); err != nil {
		// 运行器已经接受了任务，登记失败只能记下来，不影响任务本身。
		o.log.Error("登记任务失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
	o.metrics.TaskStarted()
	o.notifier.TaskStarted(nctx, rec)
	o.log.Info("任务已启动",
		slog.String("task_id", taskID),
		slog.String("project_id", target.project.ID),
		slog.String("template_id", target.template.ID),
		slog.String("requester_id", cmd.SenderID),
	)

	if !o.attachMonitor(rec) {
		o.notifier.MonitoringUnavailable(nctx, rec)
	}
}

// handleStop 停止一个任务：运行器停止、解除监控、经转发入口登记终态。
func (o *Orchestrator) handleStop(_ context.Context, cmd command.Command) {
	pctx := o.pipelineContext()
	nctx, cancel := o.notifyContext()
	defer cancel()

	ref := "last"
	if len(cmd.Args) > 0 {
		ref = cmd.Args[0]
	}
	rec, ok := o.resolveTaskRef(cmd.RoomID, ref)
	if !ok {
		o.notifier.Error(nctx, cmd.RoomID, "No task matches \""+ref+"\".")
		return
	}
	if rec.Status.Terminal() {
		_, _ = o.notifier.Postf(nctx, cmd.RoomID, "\"%s\" (task %s) already finished with status %s.",
			rec.Label(), rec.TaskID, rec.Status)
		return
	}

	if err := o.runner.StopTask(pctx, rec.TaskID); err != nil {
		o.notifier.Error(nctx, cmd.RoomID, "Couldn't stop \""+rec.Label()+"\": "+userMessage(err))
		o.log.Error("停止任务失败", slog.String("task_id", rec.TaskID), slog.Any("error", err))
		return
	}
	o.forgetMonitor(rec.TaskID)
	o.ReportStatus(rec.TaskID, registry.StatusStopped, "stopped by "+o.notifier.Mention(nctx, cmd.SenderID))
}

// handleStatus 汇报单个任务的状态，优先向运行器查询即时状态。
func (o *Orchestrator) handleStatus(_ context.Context, cmd command.Command) {
	pctx := o.pipelineContext()
	nctx, cancel := o.notifyContext()
	defer cancel()

	ref := "last"
	if len(cmd.Args) > 0 {
		ref = cmd.Args[0]
	}
	rec, ok := o.resolveTaskRef(cmd.RoomID, ref)
	if !ok {
		o.notifier.Error(nctx, cmd.RoomID, "No task matches \""+ref+"\".")
		return
	}

	status := string(rec.Status)
	detail := rec.Detail
	if !rec.Status.Terminal() {
		if state, err := o.runner.TaskState(pctx, rec.TaskID); err == nil {
			if parsed, valid := registry.ParseStatus(state.Status); valid {
				status = string(parsed)
			}
			if state.Detail != "" {
				detail = state.Detail
			}
		} else {
			o.log.Debug("查询任务即时状态失败，使用注册表快照",
				slog.String("task_id", rec.TaskID),
				slog.Any("error", err),
			)
		}
	}

	line := fmt.Sprintf("📋 \"%s\" (task %s): %s, started %s ago.",
		rec.Label(), rec.TaskID, status, time.Since(rec.StartedAt).Round(time.Second))
	if detail != "" {
		line += " " + detail
	}
	_, _ = o.notifier.Post(nctx, cmd.RoomID, line)
}

// handleTasks 列出房间内的在途任务。
func (o *Orchestrator) handleTasks(_ context.Context, cmd command.Command) {
	nctx, cancel := o.notifyContext()
	defer cancel()

	records := o.reg.ActiveForRoom(cmd.RoomID)
	if len(records) == 0 {
		_, _ = o.notifier.Post(nctx, cmd.RoomID, "No active tasks in this room.")
		return
	}
	lines := make([]string, 0, len(records)+1)
	lines = append(lines, fmt.Sprintf("📋 %d active task(s):", len(records)))
	for _, rec := range records {
		lines = append(lines, fmt.Sprintf("• \"%s\" (task %s) — %s, started %s ago",
			rec.Label(), rec.TaskID, rec.Status, time.Since(rec.StartedAt).Round(time.Second)))
	}
	_, _ = o.notifier.Post(nctx, cmd.RoomID, strings.Join(lines, "\n"))
}

// resolveTaskRef 解析任务引用："last" 或空指房间里最近的任务，其余按
// 任务 ID 查找。
func (o *Orchestrator) resolveTaskRef(roomID, ref string) (registry.TaskRecord, bool) {
	if ref == "" || strings.EqualFold(ref, "last") {
		return o.reg.LastForRoom(roomID)
	}
	rec, ok := o.reg.Get(ref)
	if !ok || rec.RoomID != roomID {
		return registry.TaskRecord{}, false
	}
	return rec, true
}

// describeAction 生成确认询问里的动作描述。
func describeAction(target runTarget, options map[string]string) string {
	action := "run " + target.project.Name + "/" + target.template.Name
	if len(options) == 0 {
		return action
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+options[k])
	}
	return action + " with " + strings.Join(parts, " ")
}
