package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server wraps the assembled gin engine in a net/http.Server with the
// same read/write/idle timeout discipline the teacher applies to its
// own HTTP entrypoint.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr, serving the given engine.
func NewServer(addr string, engine *gin.Engine) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute, // long enough for a streaming run
			IdleTimeout:  90 * time.Second,
		},
	}
}

// ListenAndServe runs the server until it errors or Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
