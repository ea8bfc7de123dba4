// Package auth 提供管理接口的共享令牌鉴权。操作者的身份体系在聊天侧，
// HTTP 管理面只需要一把运维令牌；中间件同时负责管理操作的审计日志。
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	loggerpkg "ChatOps-Relay/pkg/logger"
)

// Middleware 返回共享令牌鉴权中间件。token 为空时跳过鉴权，只保留
// 审计日志，适合本地开发环境。
func Middleware(token string, audit *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := audit
			if log == nil {
				log = loggerpkg.Audit()
			}
			if token != "" {
				presented := bearerToken(r)
				if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					log.Warn("access_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", http.StatusUnauthorized,
					)
					return
				}
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r)
			log.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// bearerToken 解析 Authorization 头里的 Bearer 令牌。
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
