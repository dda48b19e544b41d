package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestServerListenAndServeAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	srv := NewServer("127.0.0.1:0", engine)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// Give the listener a moment to bind before shutting it down.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil && err.Error() != "http: Server closed" {
			t.Fatalf("unexpected ListenAndServe error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ListenAndServe to return")
	}
}
