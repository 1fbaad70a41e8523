package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "PluginHub/internal/errors"
	loggerpkg "PluginHub/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为缺省项。
	RequiredPermissions map[string][]string
	// Public 列出无需认证的路径。
	Public map[string]bool
}

// DefaultMiddlewareConfig 读操作需要 plugins:read，其余需要 plugins:write。
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:     {PermissionRead},
			http.MethodHead:    {PermissionRead},
			http.MethodOptions: nil,
			"*":                {PermissionWrite},
		},
		Public: map[string]bool{"/healthz": true, "/metrics": true},
	}
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证、授权与审计。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := loggerpkg.Audit()
			if s != nil && s.audit != nil {
				audit = s.audit
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}

			ctx := r.Context()
			if s.Mode() != ModeDisabled && !cfg.Public[r.URL.Path] {
				subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
				if err != nil {
					deny(aw, xerrors.CodeUnauthorized, err)
					audit.Warn("access_denied",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.Int("status", aw.status),
						slog.String("error", err.Error()),
					)
					return
				}
				if err := subject.Authorize(required(cfg, r.Method)...); err != nil {
					deny(aw, xerrors.CodeForbidden, err)
					audit.Warn("permission_denied",
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.Int("status", aw.status),
						slog.String("error", err.Error()),
						slog.String("user", subject.Username),
					)
					return
				}
				ctx = WithSubject(ctx, subject)
			}

			next.ServeHTTP(aw, r.WithContext(ctx))
			audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", Actor(ctx)),
			)
		})
	}
}

func required(cfg MiddlewareConfig, method string) []string {
	if perms, ok := cfg.RequiredPermissions[method]; ok {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

func deny(w http.ResponseWriter, code xerrors.Code, cause error) {
	status := xerrors.AttributesOf(code).HTTPStatus
	if errors.Is(cause, ErrPermissionDenied) {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": cause.Error()})
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
