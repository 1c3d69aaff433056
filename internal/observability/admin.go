package observability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/ccshim/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ConnectionStatus is the admin view of one chaincode connection.
type ConnectionStatus struct {
	Chaincode       string `json:"chaincode"`
	Peer            string `json:"peer"`
	State           string `json:"state"`
	Transport       string `json:"transport,omitempty"`
	PendingContexts int    `json:"pending_contexts"`
	Ready           bool   `json:"ready"`
}

type StatusFunc func() ConnectionStatus

type AdminConfig struct {
	Addr        string
	CorsOrigins []string
	Version     string
	// Token, when set, is required as a bearer token on /status and /metrics.
	Token string
}

// AdminServer exposes health, connection status and Prometheus metrics.
type AdminServer struct {
	cfg     AdminConfig
	status  StatusFunc
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time
}

func NewAdminServer(cfg AdminConfig, status StatusFunc, logger zerolog.Logger) *AdminServer {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "dev"
	}
	s := &AdminServer{
		cfg:     cfg,
		status:  status,
		logger:  logger,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "ccshim",
			"version": s.cfg.Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.snapshot()
		code := http.StatusOK
		if !st.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": st.Ready, "state": st.State})
	})

	data := s.router.Group("/")
	if v := auth.ForToken(s.cfg.Token); v != nil {
		data.Use(RequireToken(v))
	}
	data.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.snapshot())
	})
	data.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *AdminServer) snapshot() ConnectionStatus {
	if s.status == nil {
		return ConnectionStatus{State: "unknown"}
	}
	return s.status()
}

// Serve listens on cfg.Addr until ctx is canceled, then shuts down.
func (s *AdminServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("observability.AdminServer listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
