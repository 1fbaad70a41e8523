package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"PluginHub/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		ttl := cfg.JWT.TTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		svc.jwt = &jwtManager{
			secret:   []byte(cfg.JWT.Secret),
			issuer:   cfg.JWT.Issuer,
			audience: cfg.JWT.Audience,
			ttl:      ttl,
			leeway:   cfg.JWT.Leeway,
			now:      time.Now,
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为运维人员签发访问令牌。
func (s *Service) Issue(username string, permissions []string) (string, time.Time, error) {
	if s == nil || s.jwt == nil {
		return "", time.Time{}, ErrDisabled
	}
	return s.jwt.Generate(&Subject{ID: uuid.NewString(), Username: username, Permissions: permissions})
}

// AuthenticateRequest 解析 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.jwt.Verify(strings.TrimSpace(token))
}

type jwtManager struct {
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

type jwtClaims struct {
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Generate 签发 HS256 令牌。
func (m *jwtManager) Generate(subject *Subject) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := jwtClaims{
		Name:        subject.Username,
		Permissions: append([]string(nil), subject.Permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject.ID,
			Issuer:    m.issuer,
			Audience:  m.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify 校验签名、有效期、签发者与受众。
func (m *jwtManager) Verify(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := &Subject{ID: claims.Subject, Username: claims.Name, Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}
