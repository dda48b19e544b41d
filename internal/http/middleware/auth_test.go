package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuthServiceVerifyToken(t *testing.T) {
	t.Parallel()
	secret := []byte("test-secret")
	auth := &JWTAuthService{Secret: secret}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-123"})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	subject, err := auth.VerifyToken(signed)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if subject != "user-123" {
		t.Fatalf("unexpected subject: got=%q want=%q", subject, "user-123")
	}

	if _, err := auth.VerifyToken("garbage"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestAPIKeyAuthServiceVerifyToken(t *testing.T) {
	t.Parallel()
	auth := NewAPIKeyAuthService()
	if err := auth.SetKey("service-a", "sk-test-key"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	subject, err := auth.VerifyToken("sk-test-key")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if subject != "service-a" {
		t.Fatalf("unexpected subject: got=%q want=%q", subject, "service-a")
	}

	if _, err := auth.VerifyToken("wrong-key"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestRequireAuthRejectsMissingBearer(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequireAuth(NewAPIKeyAuthService()))
	r.GET("/runs", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuthAllowsValidKey(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	auth := NewAPIKeyAuthService()
	if err := auth.SetKey("service-a", "sk-test-key"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	r := gin.New()
	r.Use(RequireAuth(auth))
	r.GET("/runs", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("auth_subject"))
	})

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer sk-test-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "service-a" {
		t.Fatalf("unexpected body: got=%q want=%q", rec.Body.String(), "service-a")
	}
}
