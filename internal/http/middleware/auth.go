package middleware

import (
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/stageflow/stageflow/internal/http/response"
)

// AuthService verifies a bearer token and returns the caller identity
// embedded in its claims. This is Stageflow's own seam — adapted from
// the teacher's user/session auth domain down to the one fact the HTTP
// harness actually needs: who is allowed to submit a run.
type AuthService interface {
	VerifyToken(token string) (subject string, err error)
}

// JWTAuthService verifies HS256-signed bearer tokens using
// golang-jwt/jwt/v5, the same library the teacher uses for its own
// session tokens.
type JWTAuthService struct {
	Secret []byte
}

var errMissingSubject = errors.New("token missing subject claim")

func (a *JWTAuthService) VerifyToken(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.Secret, nil
	})
	if err != nil {
		return "", err
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

// APIKeyAuthService is an alternative AuthService backed by bcrypt
// hashes rather than signed tokens, for deployments that issue long-
// lived API keys instead of short-lived JWTs. Hashing follows the
// teacher's internal/utils/auth.go HashPassword pattern
// (bcrypt.GenerateFromPassword/CompareHashAndPassword), repurposed from
// user passwords to API keys.
type APIKeyAuthService struct {
	mu      sync.RWMutex
	hashes  map[string][]byte // subject -> bcrypt hash of its key
}

// NewAPIKeyAuthService returns an empty store; call SetKey to register
// subjects.
func NewAPIKeyAuthService() *APIKeyAuthService {
	return &APIKeyAuthService{hashes: make(map[string][]byte)}
}

// SetKey hashes key with bcrypt and stores it under subject, replacing
// any prior key for that subject.
func (a *APIKeyAuthService) SetKey(subject, key string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[subject] = hashed
	return nil
}

var errNoAPIKeyMatch = errors.New("no subject matches the given api key")

// VerifyToken treats the bearer token as a raw API key and returns the
// subject whose stored hash matches it.
func (a *APIKeyAuthService) VerifyToken(key string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for subject, hashed := range a.hashes {
		if bcrypt.CompareHashAndPassword(hashed, []byte(key)) == nil {
			return subject, nil
		}
	}
	return "", errNoAPIKeyMatch
}

// RequireAuth extracts a bearer token from the Authorization header and
// verifies it via auth. On success the caller's subject is stored in the
// gin context under "auth_subject" for handlers to read.
func RequireAuth(auth AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			response.Error(c, 401, "unauthorized", errors.New("missing bearer token"))
			c.Abort()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		subject, err := auth.VerifyToken(token)
		if err != nil {
			response.Error(c, 401, "unauthorized", err)
			c.Abort()
			return
		}
		c.Set("auth_subject", subject)
		c.Next()
	}
}
