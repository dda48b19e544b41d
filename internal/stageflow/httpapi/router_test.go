package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow/internal/http/middleware"
)

type denyAllAuth struct{}

func (denyAllAuth) VerifyToken(string) (string, error) {
	return "", errors.New("denied")
}

func TestNewRouterHealthzIsUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Runs: newTestHandler(t)})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}

func TestNewRouterRunsRequireAuthWhenConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Auth: denyAllAuth{}, Runs: newTestHandler(t)})

	req := httptest.NewRequest(http.MethodGet, "/runs/"+"00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}

func TestNewRouterRunsOpenWithoutAuthConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Runs: newTestHandler(t)})

	req := httptest.NewRequest(http.MethodGet, "/runs/"+"00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}

var _ middleware.AuthService = denyAllAuth{}
