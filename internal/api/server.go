package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ccbridge/ccbridge/internal/api/handlers"
	"github.com/ccbridge/ccbridge/internal/engine"
	"github.com/ccbridge/ccbridge/internal/logging"
	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/usage"
)

// Server is the HTTP front of the bridge.
type Server struct {
	router *gin.Engine
	http   *http.Server
	core   *engine.Engine
}

// NewServer wires routes and middleware over the engine.
func NewServer(core *engine.Engine, tracker *usage.Tracker) *Server {
	cfg := core.Config()
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(logging.GinLogrusLogger())
	router.Use(logging.GinLogrusRecovery())
	router.Use(corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"status":   "ok",
			"sessions": core.Cache().Len(),
		}
		if _, err := exec.LookPath(core.Config().CLI.Command); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["cli"] = err.Error()
		}
		c.JSON(status, body)
	})

	limiter := newRateLimiter(core)
	chat := handlers.NewChatHandler(core)
	models := handlers.NewModelsHandler(core)
	usageH := handlers.NewUsageHandler(tracker)

	v1 := router.Group("/v1", authMiddleware(core), limiter.middleware())
	v1.POST("/chat/completions", chat.Completions)
	v1.GET("/models", models.List)

	v0 := router.Group("/v0", authMiddleware(core))
	v0.GET("/usage", usageH.Snapshot)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr: addr,
		// h2c lets gRPC-less HTTP/2 clients multiplex streams without TLS.
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{router: router, http: srv, core: core}
}

// Run serves until ctx is cancelled, then drains with a 10s grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
