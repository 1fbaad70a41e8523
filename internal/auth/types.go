package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// API permissions carried in token claims.
const (
	PermissionRead  = "plugins:read"
	PermissionWrite = "plugins:write"
	PermissionAdmin = "plugins:admin"
)

// Subject captures the information embedded in access tokens and passed to
// request handlers via context.
type Subject struct {
	ID          string
	Username    string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// plugins:admin implies every other permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	JWT  JWTOptions
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for HS256 token issuance and verification.
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience []string
	TTL      time.Duration
	// Leeway tolerates clock skew when validating exp and nbf.
	Leeway time.Duration
}
