package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Tokens: []Token{
		{Name: "reader", Secret: "read-secret", Permissions: []string{PermissionRead}},
		{Name: "operator", Secret: "op-secret", Permissions: []string{"*"}},
		{Name: "retired", Secret: "old-secret", Permissions: []string{"*"}, Disabled: true},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesTokens(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"missing name":   {Tokens: []Token{{Secret: "x"}}},
		"missing secret": {Tokens: []Token{{Name: "a"}}},
		"duplicate":      {Tokens: []Token{{Name: "a", Secret: "x"}, {Name: "a", Secret: "y"}}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("service without tokens must be disabled")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest("Bearer read-secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "reader" || !subject.HasPermission(PermissionRead) || subject.HasPermission(PermissionSend) {
		t.Fatalf("unexpected subject %+v", subject)
	}

	if _, err := svc.AuthenticateRequest(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Basic abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for basic scheme, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer old-secret"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionSend},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		method string
		token  string
		status int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "Bearer nope", http.StatusUnauthorized},
		{http.MethodGet, "Bearer old-secret", http.StatusForbidden},
		{http.MethodPost, "Bearer read-secret", http.StatusForbidden},
		{http.MethodGet, "Bearer read-secret", http.StatusAccepted},
		{http.MethodPost, "Bearer op-secret", http.StatusAccepted},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/transactions", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %q: expected %d, got %d", tc.method, tc.token, tc.status, rec.Code)
		}
	}
	if seen == nil || seen.Name != "operator" {
		t.Fatalf("expected operator subject in context, got %+v", seen)
	}

	disabled, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rec := httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled service should pass through, got %d", rec.Code)
	}
}
