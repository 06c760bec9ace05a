package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextForPath(path string) echo.Context {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path   string
		public bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/health/ready", true},
		{"/metrics", true},
		{"/api/v1/visits", false},
		{"/api/v1/ws", false},
		{"/", false},
		{"/health/extra", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := AuthSkipper(contextForPath(tt.path)); got != tt.public {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.public)
			}
			if got := IsPublicPath(tt.path); got != tt.public {
				t.Errorf("IsPublicPath(%s) = %v, want %v", tt.path, got, tt.public)
			}
		})
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	c := contextForPath("/health")

	var handlerCalled bool
	handler := func(c echo.Context) error {
		handlerCalled = true
		return c.String(http.StatusOK, "ok")
	}

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(handler)(c)
	if err != nil {
		t.Fatalf("expected no error for skipped path, got: %v", err)
	}
	if !handlerCalled {
		t.Error("expected handler to be called for skipped path")
	}
}

func TestJWTMiddleware_DoesNotSkipProtectedPaths(t *testing.T) {
	c := contextForPath("/api/v1/visits")
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_AuthStillWorksWithSkipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("registrar-1", "registrar"), testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/visits")

	var uid string
	handler := func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	}
	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "registrar-1" {
		t.Errorf("expected registrar-1, got %q", uid)
	}
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	c := contextForPath("/metrics")
	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "" {
			t.Errorf("expected no identity on a public path, got %s", uid)
		}
		return nil
	}
	if err := DevAuthMiddleware(AuthSkipper)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
