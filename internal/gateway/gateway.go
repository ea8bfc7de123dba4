// Package gateway 是聊天系统与中继之间的桥接层。真实的聊天协议
//（Matrix、Slack、飞书等）由外部桥接进程实现，桥接进程通过 WebSocket
// 连到这里，双方用 JSON 帧交换消息：中继把要发的通知推给桥接，桥接把
// 房间里的消息与表情回应推给中继。对上层而言，网关就是 chat.Client。
package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/observability"
	"ChatOps-Relay/pkg/logger"
)

const (
	// CodeChatUnavailable 表示当前没有桥接连接，消息无法送达。
	CodeChatUnavailable xerrors.Code = "CHAT_UNAVAILABLE"
	// CodeChatRejected 表示桥接明确拒绝了这次请求。
	CodeChatRejected xerrors.Code = "CHAT_REJECTED"
)

func init() {
	xerrors.Register(CodeChatUnavailable, xerrors.Attributes{
		Message:   "chat bridge is not connected",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeChatRejected, xerrors.Attributes{
		Message:   "chat bridge rejected the request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

const (
	defaultRequestTimeout = 10 * time.Second
	writeTimeout          = 10 * time.Second
	pongWait              = 120 * time.Second
	pingPeriod            = 45 * time.Second
	maxFrameSize          = 1 << 20
	outboundBuffer        = 256
)

// 帧类型。send 与 lookup 由中继发起并等待同 ID 的 ack；message 与
// reaction 由桥接推送，没有应答。
const (
	frameSend     = "send"
	frameLookup   = "lookup"
	frameAck      = "ack"
	frameMessage  = "message"
	frameReaction = "reaction"
)

// frame 是网关协议的统一帧结构，按 type 取用相应字段。
type frame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	RoomID      string         `json:"room_id,omitempty"`
	Text        string         `json:"text,omitempty"`
	HTML        string         `json:"html,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	OK          bool           `json:"ok,omitempty"`
	Error       string         `json:"error,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Message     *chat.Message  `json:"message,omitempty"`
	Reaction    *chat.Reaction `json:"reaction,omitempty"`
}

// Config 描述网关的行为参数。
type Config struct {
	// Token 是桥接连接所需的共享令牌，空串表示不鉴权。
	Token string
	// AllowAnyOrigin 放开浏览器跨域连接，默认只允许同源。
	AllowAnyOrigin bool
	// RequestTimeout 是等待桥接应答的上限。
	RequestTimeout time.Duration
}

// Gateway 实现 chat.Client。同一时刻只接受一条桥接连接，新的连接会
// 顶替旧的；所有 WebSocket 写入都集中在每条连接的单一写协程里。
type Gateway struct {
	token          string
	requestTimeout time.Duration
	upgrader       websocket.Upgrader
	log            *slog.Logger
	metrics        *observability.Metrics

	mu               sync.Mutex
	conn             *bridgeConn
	pending          map[string]chan frame
	msgHandlers      []chat.MessageHandler
	reactionHandlers []chat.ReactionHandler
	closed           bool
}

type bridgeConn struct {
	ws       *websocket.Conn
	outbound chan frame
	done     chan struct{}
}

// Option 调整网关的可选依赖。
type Option func(*Gateway)

// WithMetrics 注入指标；为空时相关埋点静默跳过。
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatewayLogger 指定日志输出。
func WithGatewayLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// New 创建网关。
func New(cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		token:          cfg.Token,
		requestTimeout: cfg.RequestTimeout,
		log:            logger.Named("gateway"),
		pending:        make(map[string]chan frame),
	}
	if g.requestTimeout <= 0 {
		g.requestTimeout = defaultRequestTimeout
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// 桥接进程通常不带 Origin，放行；限制只针对浏览器。
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

var _ chat.Client = (*Gateway)(nil)

// OnMessage 注册入站消息处理器。必须在桥接连接建立之前完成注册。
func (g *Gateway) OnMessage(handler chat.MessageHandler) {
	if handler == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msgHandlers = append(g.msgHandlers, handler)
}

// OnReaction 注册入站表情回应处理器。
func (g *Gateway) OnReaction(handler chat.ReactionHandler) {
	if handler == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactionHandlers = append(g.reactionHandlers, handler)
}

// SendMessage 把纯文本消息交给桥接投递，返回聊天侧的消息 ID。
func (g *Gateway) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	reply, err := g.request(ctx, frame{Type: frameSend, RoomID: roomID, Text: text})
	if err != nil {
		return "", err
	}
	return reply.MessageID, nil
}

// SendFormatted 同时携带纯文本与 HTML 两种形态，由桥接按协议取舍。
func (g *Gateway) SendFormatted(ctx context.Context, roomID, text, html string) (string, error) {
	reply, err := g.request(ctx, frame{Type: frameSend, RoomID: roomID, Text: text, HTML: html})
	if err != nil {
		return "", err
	}
	return reply.MessageID, nil
}

// DisplayName 向桥接查询用户的展示名。
func (g *Gateway) DisplayName(ctx context.Context, userID string) (string, error) {
	reply, err := g.request(ctx, frame{Type: frameLookup, UserID: userID})
	if err != nil {
		return "", err
	}
	return reply.DisplayName, nil
}

// Connected 报告当前是否有桥接在线。
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// Close 关闭当前桥接连接并拒绝后续连接。
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.failPendingLocked("gateway closed")
	g.mu.Unlock()
	if conn != nil {
		_ = conn.ws.Close()
	}
}

// request 发出一个需要应答的帧并等待同 ID 的 ack。
func (g *Gateway) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	g.mu.Lock()
	conn := g.conn
	if conn == nil {
		g.mu.Unlock()
		return frame{}, xerrors.New(CodeChatUnavailable, "chat bridge is not connected")
	}
	g.pending[f.ID] = ch
	g.mu.Unlock()

	select {
	case conn.outbound <- f:
	default:
		// 写协程保持单线程，队列满时立即失败而不是阻塞调用方。
		g.dropPending(f.ID)
		return frame{}, xerrors.New(CodeChatUnavailable, "chat bridge send queue is full", xerrors.WithRetryable(true))
	}

	timer := time.NewTimer(g.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if !reply.OK {
			msg := reply.Error
			if msg == "" {
				msg = "chat bridge rejected the request"
			}
			return frame{}, xerrors.New(CodeChatRejected, msg)
		}
		return reply, nil
	case <-timer.C:
		g.dropPending(f.ID)
		return frame{}, xerrors.New(xerrors.CodeTimeout, "chat bridge did not acknowledge in time", xerrors.WithRetryable(true))
	case <-ctx.Done():
		g.dropPending(f.ID)
		return frame{}, ctx.Err()
	}
}

func (g *Gateway) dropPending(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// failPendingLocked 让所有在等应答的调用立即失败。调用方持有 g.mu。
func (g *Gateway) failPendingLocked(reason string) {
	for id, ch := range g.pending {
		ch <- frame{Type: frameAck, ID: id, OK: false, Error: reason}
		delete(g.pending, id)
	}
}

// ServeHTTP 接受桥接的 WebSocket 连接。鉴权失败返回 401；新的连接会
// 顶掉旧连接，旧连接上未完成的请求全部立即失败。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		g.log.Warn("桥接连接鉴权失败", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &bridgeConn{
		ws:       ws,
		outbound: make(chan frame, outboundBuffer),
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	replaced := g.conn
	g.conn = conn
	g.failPendingLocked("chat bridge replaced")
	g.mu.Unlock()

	if replaced != nil {
		g.log.Warn("新的桥接连接顶替旧连接", slog.String("remote", r.RemoteAddr))
		_ = replaced.ws.Close()
	}
	g.metrics.GatewayConnected()
	g.log.Info("桥接已连接", slog.String("remote", r.RemoteAddr))

	go g.writeLoop(conn)
	g.readLoop(r.Context(), conn)

	close(conn.done)
	g.detach(conn)
	g.metrics.GatewayDisconnected()
	g.log.Info("桥接已断开", slog.String("remote", r.RemoteAddr))
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.token == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == r.Header.Get("Authorization") {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.token)) == 1
}

func (g *Gateway) detach(conn *bridgeConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != conn {
		return
	}
	g.conn = nil
	g.failPendingLocked("chat bridge disconnected")
}

// writeLoop 是连接的唯一写入方，定期 ping 以探测桥接存活。
func (g *Gateway) writeLoop(conn *bridgeConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case f := <-conn.outbound:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteJSON(f); err != nil {
				g.log.Warn("向桥接写入失败", slog.Any("error", err))
				_ = conn.ws.Close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.ws.Close()
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *bridgeConn) {
	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Warn("读取桥接帧失败", slog.Any("error", err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case frameAck:
			g.resolveAck(f)
		case frameMessage:
			g.dispatchMessage(ctx, f.Message)
		case frameReaction:
			g.dispatchReaction(ctx, f.Reaction)
		default:
			g.log.Debug("忽略未知类型的桥接帧", slog.String("type", f.Type))
		}
	}
}

func (g *Gateway) resolveAck(f frame) {
	g.mu.Lock()
	ch, ok := g.pending[f.ID]
	delete(g.pending, f.ID)
	g.mu.Unlock()
	if !ok {
		g.log.Debug("收到无人等待的应答", slog.String("id", f.ID))
		return
	}
	ch <- f
}

func (g *Gateway) dispatchMessage(ctx context.Context, msg *chat.Message) {
	if msg == nil || msg.RoomID == "" || msg.SenderID == "" {
		g.log.Debug("忽略字段不全的入站消息")
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	g.mu.Lock()
	handlers := append([]chat.MessageHandler(nil), g.msgHandlers...)
	g.mu.Unlock()
	for _, h := range handlers {
		h(ctx, *msg)
	}
}

func (g *Gateway) dispatchReaction(ctx context.Context, reaction *chat.Reaction) {
	if reaction == nil || reaction.MessageID == "" || reaction.SenderID == "" {
		g.log.Debug("忽略字段不全的表情回应")
		return
	}
	g.mu.Lock()
	handlers := append([]chat.ReactionHandler(nil), g.reactionHandlers...)
	g.mu.Unlock()
	for _, h := range handlers {
		h(ctx, *reaction)
	}
}
