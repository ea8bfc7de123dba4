// Package confirm 实现聊天侧的二次确认状态机。每条待确认记录以触发它的
// 提示消息 ID 为键，只有发起人的信号才能改变状态，超时由定时器驱动，
// 与回应之间的竞争在同一把锁下裁决，终态只会出现一次。
package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
)

// CodeConfirmationRace 表示确认已经终态之后又收到了信号。这类信号被
// 静默吸收，只在 debug 级别留痕。
const CodeConfirmationRace xerrors.Code = "CONFIRMATION_RACE"

func init() {
	xerrors.Register(CodeConfirmationRace, xerrors.Attributes{
		Message:   "confirmation already resolved",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// State 是一条确认记录的状态。
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Outcome 是确认的最终结果。
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)

// 终态记录在内存里保留一小段时间，让迟到的信号能够被认出并按
// "已解决" 吸收，而不是当成陌生消息忽略。
const resolvedRetention = time.Minute

// Notices 是广播 "这不是你的确认" 提醒所需的最小接口。
type Notices interface {
	NotYourConfirmation(roomID, userID string)
}

// Broker 管理全部待确认记录。
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingConfirmation
	ttl     time.Duration
	notices Notices
	log     *slog.Logger
	closed  bool
}

type pendingConfirmation struct {
	confirmationID string
	roomID         string
	requesterID    string
	payload        string
	createdAt      time.Time
	deadline       time.Time
	state          State
	timer          *time.Timer
	reaper         *time.Timer
	outcome        chan Outcome
}

// NewBroker 创建确认代理。ttl 是每条确认的等待窗口。
func NewBroker(ttl time.Duration, notices Notices, log *slog.Logger) *Broker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		pending: make(map[string]*pendingConfirmation),
		ttl:     ttl,
		notices: notices,
		log:     log,
	}
}

// Ticket 是一次确认的等待句柄。
type Ticket struct {
	broker         *Broker
	confirmationID string
	deadline       time.Time
	outcome        <-chan Outcome
}

// Deadline 返回确认的截止时间。
func (t *Ticket) Deadline() time.Time {
	return t.deadline
}

// Wait 阻塞直到确认出结果或上下文取消。上下文取消会丢弃该确认。
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-t.outcome:
		return out, nil
	case <-ctx.Done():
		t.broker.abandon(t.confirmationID)
		return "", ctx.Err()
	}
}

// Track 登记一条新的待确认记录并启动超时定时器。confirmationID 必须是
// 提示消息的 ID，反应信号靠它路由回来。
func (b *Broker) Track(confirmationID, roomID, requesterID, payload string) (*Ticket, error) {
	if confirmationID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "确认 ID 不能为空")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xerrors.New(xerrors.CodeUnavailable, "确认代理已关闭")
	}
	if _, exists := b.pending[confirmationID]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, "确认 ID 已被占用",
			xerrors.WithMetadata("confirmation_id", confirmationID))
	}

	now := time.Now()
	p := &pendingConfirmation{
		confirmationID: confirmationID,
		roomID:         roomID,
		requesterID:    requesterID,
		payload:        payload,
		createdAt:      now,
		deadline:       now.Add(b.ttl),
		state:          StatePending,
		outcome:        make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(b.ttl, func() {
		b.resolve(confirmationID, "", OutcomeExpired, "deadline")
	})
	b.pending[confirmationID] = p

	b.log.Debug("登记待确认记录",
		slog.String("confirmation_id", confirmationID),
		slog.String("room_id", roomID),
		slog.String("requester_id", requesterID),
		slog.Time("deadline", p.deadline),
	)
	return &Ticket{
		broker:         b,
		confirmationID: confirmationID,
		deadline:       p.deadline,
		outcome:        p.outcome,
	}, nil
}

// HandleReaction 处理对提示消息的表情回应。返回值表示该回应是否属于
// 某条被跟踪的确认。非发起人的有效信号会得到一次中性提醒，不改变状态。
func (b *Broker) HandleReaction(r chat.Reaction) bool {
	affirmative, recognised := classifyReaction(r.Key)
	if !recognised {
		return false
	}

	b.mu.Lock()
	p, tracked := b.pending[r.MessageID]
	if !tracked {
		b.mu.Unlock()
		return false
	}
	if p.state != StatePending {
		b.mu.Unlock()
		b.log.Debug("确认已解决，忽略迟到的回应",
			slog.String("confirmation_id", r.MessageID),
			slog.String("sender_id", r.SenderID),
		)
		return true
	}
	if r.SenderID != p.requesterID {
		roomID := p.roomID
		b.mu.Unlock()
		b.log.Debug("非发起人的确认回应",
			slog.String("confirmation_id", r.MessageID),
			slog.String("sender_id", r.SenderID),
		)
		if b.notices != nil {
			b.notices.NotYourConfirmation(roomID, r.SenderID)
		}
		return true
	}
	outcome := OutcomeCancelled
	if affirmative {
		outcome = OutcomeConfirmed
	}
	b.resolveLocked(p, outcome, "reaction")
	b.mu.Unlock()
	return true
}

// HandleMessage 处理同房间内发起人的简短文字回复（yes / no 一类）。
// 命中时作用于该发起人最近的一条待确认记录，返回是否消费了这条消息。
func (b *Broker) HandleMessage(msg chat.Message) bool {
	affirmative, recognised := classifyText(msg.Body)
	if !recognised {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var latest *pendingConfirmation
	for _, p := range b.pending {
		if p.state != StatePending {
			continue
		}
		if p.roomID != msg.RoomID || p.requesterID != msg.SenderID {
			continue
		}
		if latest == nil || p.createdAt.After(latest.createdAt) {
			latest = p
		}
	}
	if latest == nil {
		return false
	}
	outcome := OutcomeCancelled
	if affirmative {
		outcome = OutcomeConfirmed
	}
	b.resolveLocked(latest, outcome, "message")
	return true
}

// PendingCount 返回当前等待中的确认数量。
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, p := range b.pending {
		if p.state == StatePending {
			count++
		}
	}
	return count
}

// Close 停止所有定时器并丢弃全部记录。之后的 Track 会被拒绝。
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, p := range b.pending {
		p.timer.Stop()
		if p.reaper != nil {
			p.reaper.Stop()
		}
		delete(b.pending, id)
	}
}

// resolve 是超时定时器的入口。senderID 仅用于日志。
func (b *Broker) resolve(confirmationID, senderID string, outcome Outcome, via string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[confirmationID]
	if !ok {
		return
	}
	if p.state != StatePending {
		b.log.Debug("确认已解决，忽略重复裁决",
			slog.String("confirmation_id", confirmationID),
			slog.String("via", via),
			slog.String("sender_id", senderID),
		)
		return
	}
	b.resolveLocked(p, outcome, via)
}

// resolveLocked 在持锁状态下落定终态：停表、记状态、投递结果，并安排
// 一段保留期之后的清理。每条确认只会走到这里一次。
func (b *Broker) resolveLocked(p *pendingConfirmation, outcome Outcome, via string) {
	p.timer.Stop()
	switch outcome {
	case OutcomeConfirmed:
		p.state = StateConfirmed
	case OutcomeCancelled:
		p.state = StateCancelled
	default:
		p.state = StateExpired
	}
	p.outcome <- outcome

	id := p.confirmationID
	p.reaper = time.AfterFunc(resolvedRetention, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.pending[id]; ok && current.state != StatePending {
			delete(b.pending, id)
		}
	})

	b.log.Info("确认出结果",
		slog.String("confirmation_id", id),
		slog.String("outcome", string(outcome)),
		slog.String("via", via),
	)
}

// abandon 丢弃一条确认记录，用于等待方提前退出（比如进程收到退出信号）。
func (b *Broker) abandon(confirmationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[confirmationID]
	if !ok {
		return
	}
	p.timer.Stop()
	if p.reaper != nil {
		p.reaper.Stop()
	}
	delete(b.pending, confirmationID)
}
