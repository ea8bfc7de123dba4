package registry

import (
	"sync"
	"time"

	xerrors "ChatOps-Relay/internal/errors"
)

var (
	// ErrTaskExists 表示任务已经登记过。
	ErrTaskExists = xerrors.New(CodeTaskExists, "task already registered", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskUnknown 表示指定的任务不在注册表中。
	ErrTaskUnknown = xerrors.New(CodeTaskUnknown, "task not registered", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskExists  xerrors.Code = "TASK_ALREADY_REGISTERED"
	CodeTaskUnknown xerrors.Code = "TASK_NOT_REGISTERED"
)

func init() {
	xerrors.Register(CodeTaskExists, xerrors.Attributes{
		Message:   "task already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskUnknown, xerrors.Attributes{
		Message:   "task not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Registry 维护在途任务的内存索引。进程重启后索引即告丢失，这是刻意的：
// 任务历史由任务运行器负责，聊天侧只关心当前会话内的作业。
//
// 为支持 "最近一个任务" 的简写命令，注册表在删除终态记录时为每个房间
// 保留最近一条终态记录（只保留一条，不做无限历史）。
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*TaskRecord
	order    []string
	lastDone map[string]TaskRecord
}

// NewRegistry 创建一个空的任务注册表。
func NewRegistry() *Registry {
	return &Registry{
		active:   make(map[string]*TaskRecord),
		lastDone: make(map[string]TaskRecord),
	}
}

// Insert 登记一个新启动的任务。任务 ID 冲突时返回 ErrTaskExists。
func (r *Registry) Insert(rec TaskRecord) error {
	if rec.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if rec.RoomID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "房间 ID 不能为空")
	}
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	if !rec.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}
	now := time.Now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.LastReminderAt.IsZero() {
		rec.LastReminderAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[rec.TaskID]; ok {
		return ErrTaskExists
	}
	clone := rec
	r.active[rec.TaskID] = &clone
	r.order = append(r.order, rec.TaskID)
	return nil
}

// AdvanceResult 汇总一次状态迁移的结果。
type AdvanceResult struct {
	// Record 是迁移之后的记录快照。
	Record TaskRecord
	// Previous 是迁移之前的状态。
	Previous Status
	// Changed 表示本次调用是否真正推进了状态。重复或回退的报告
	// 会被原子地丢弃，Changed 为 false。
	Changed bool
	// Terminal 表示记录已进入终态并从在途索引中移除。
	Terminal bool
}

// Advance 将任务推进到新状态。严重级别的比较与状态写入在同一把锁内完成，
// 因此并发的重复终态报告（例如推送与兜底轮询同时探测到结束）只有一个会
// 观察到 Changed=true。
func (r *Registry) Advance(taskID string, next Status, detail string) (AdvanceResult, error) {
	if !next.Valid() {
		return AdvanceResult{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[taskID]
	if !ok {
		return AdvanceResult{}, ErrTaskUnknown
	}

	result := AdvanceResult{Previous: rec.Status}
	if next.Severity() < rec.Status.Severity() || next == rec.Status {
		result.Record = *rec
		return result, nil
	}

	rec.Status = next
	if detail != "" {
		rec.Detail = detail
	}
	// 任何状态变更都会触发一条通知，顺带刷新提醒窗口。
	rec.LastReminderAt = time.Now()
	result.Changed = true

	if next.Terminal() {
		result.Terminal = true
		r.lastDone[rec.RoomID] = *rec
		delete(r.active, taskID)
		r.dropFromOrder(taskID)
	}
	result.Record = *rec
	return result, nil
}

func (r *Registry) dropFromOrder(taskID string) {
	for i, id := range r.order {
		if id == taskID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get 返回任务记录快照，先查在途任务，再查各房间保留的终态记录。
func (r *Registry) Get(taskID string) (TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.active[taskID]; ok {
		return *rec, true
	}
	for _, rec := range r.lastDone {
		if rec.TaskID == taskID {
			return rec, true
		}
	}
	return TaskRecord{}, false
}

// ClaimReminder 判断任务是否应当发送周期提醒。只有运行中的任务、且距离
// 上一次通知超过 interval 时才返回 true，并原子地刷新提醒时间，避免同一
// 窗口内重复提醒。
func (r *Registry) ClaimReminder(taskID string, interval time.Duration) (TaskRecord, bool) {
	if interval <= 0 {
		return TaskRecord{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[taskID]
	if !ok || rec.Status != StatusRunning {
		return TaskRecord{}, false
	}
	now := time.Now()
	if now.Sub(rec.LastReminderAt) < interval {
		return TaskRecord{}, false
	}
	rec.LastReminderAt = now
	return *rec, true
}

// Active 按登记顺序返回所有在途任务的快照。
func (r *Registry) Active() []TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskRecord, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.active[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// ActiveForRoom 返回指定房间的在途任务。
func (r *Registry) ActiveForRoom(roomID string) []TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TaskRecord
	for _, id := range r.order {
		rec, ok := r.active[id]
		if ok && rec.RoomID == roomID {
			out = append(out, *rec)
		}
	}
	return out
}

// LastForRoom 解析 "最近一个任务" 简写：优先返回该房间最近登记的在途任务，
// 没有在途任务时返回保留的终态记录。
func (r *Registry) LastForRoom(roomID string) (TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		rec, ok := r.active[r.order[i]]
		if ok && rec.RoomID == roomID {
			return *rec, true
		}
	}
	if rec, ok := r.lastDone[roomID]; ok {
		return rec, true
	}
	return TaskRecord{}, false
}

// Len 返回在途任务数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
