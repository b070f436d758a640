package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vollawetscher/media-worker/internal/logging"
)

// startHealthServer binds 0.0.0.0:port and serves GET /health with the
// worker's own identity and mode, per the optional health endpoint contract.
// Any other path falls through to gin's default 404. The server is torn
// down when ctx is cancelled.
func (m *Manager) startHealthServer(ctx context.Context, port string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"workerId":  m.cfg.WorkerID,
			"mode":      string(m.cfg.Mode),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Info(logging.CategoryWorker, "health endpoint listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(logging.CategoryWorker, "health server error: %v", err)
	}
}
