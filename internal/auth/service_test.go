package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"PluginHub/pkg/logger"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "test-secret", Issuer: "pluginhub", Audience: []string{"pluginhub-api"}, TTL: time.Minute}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.audit = logger.Discard()
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newJWTService(t)
	token, expires, err := svc.Issue("ops", []string{PermissionRead})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expires) > time.Minute {
		t.Fatalf("unexpected expiry %s", expires)
	}
	subject, err := svc.AuthenticateRequest("Bearer " + token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Username != "ops" || !subject.HasPermission(PermissionRead) || subject.HasPermission(PermissionWrite) {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if err := subject.Authorize(PermissionWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := newJWTService(t)
	if _, err := svc.AuthenticateRequest(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	other, _ := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other", Issuer: "pluginhub", Audience: []string{"pluginhub-api"}}})
	forged, _, _ := other.Issue("mallory", []string{PermissionAdmin})
	if _, err := svc.AuthenticateRequest("Bearer " + forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	svc.jwt.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, _ := svc.Issue("ops", []string{PermissionRead})
	svc.jwt.now = time.Now
	if _, err := svc.AuthenticateRequest("Bearer " + stale); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.AuthenticateRequest("Bearer " + unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none rejection, got %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeJWT}); err == nil {
		t.Fatal("jwt mode without secret should fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("default mode: %v %v", svc.Mode(), err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t)
	reader, _, _ := svc.Issue("reader", []string{PermissionRead})
	admin, _, _ := svc.Issue("root", []string{PermissionAdmin})

	var seen string
	h := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Actor(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/healthz", "", http.StatusNoContent},
		{http.MethodGet, "/api/v1/plugins", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/plugins", reader, http.StatusNoContent},
		{http.MethodPost, "/api/v1/plugins/x/install", reader, http.StatusForbidden},
		{http.MethodDelete, "/api/v1/plugins/x", admin, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s %s: status %d want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
	if seen != "root" {
		t.Fatalf("last actor = %q", seen)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	svc.audit = logger.Discard()
	h := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Actor(r.Context()) != "anonymous" {
			t.Errorf("unexpected actor %q", Actor(r.Context()))
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plugins/x/install", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
