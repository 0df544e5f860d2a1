package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/storebridge/internal/api/http"
	"github.com/GriffinCanCode/storebridge/internal/api/middleware"
	"github.com/GriffinCanCode/storebridge/internal/api/ws"
	"github.com/GriffinCanCode/storebridge/internal/broker"
	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
)

// WebSocketPath is where pages and controllers connect.
const WebSocketPath = "/ws"

const gaugeInterval = 5 * time.Second

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	snapshots *snapshot.FileStore
	broker    *broker.Broker
	ws        *ws.Handler
	router    *gin.Engine
	http      *http.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds a broker and its HTTP surface from cfg.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:       strings.ToLower(cfg.Logging.Level),
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Initializing storebridge",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("pages_dir", cfg.Broker.PagesDir),
		zap.Bool("auth", cfg.Server.Token != ""),
	)

	metrics := monitoring.NewMetrics()
	snapshots := snapshot.NewFileStore(cfg.Broker.PagesDir, logger.Component("snapshot")).WithMetrics(metrics)
	b := broker.New(snapshots, logger.Component("broker")).WithMetrics(metrics)

	wsHandler := ws.NewHandler(b, ws.Config{
		Token:             cfg.Server.Token,
		SendBuffer:        cfg.Broker.SendBuffer,
		MaxMessageBytes:   cfg.Broker.MaxMessageBytes,
		MessagesPerSecond: cfg.Broker.MessagesPerSecond,
		MessageBurst:      cfg.Broker.MessageBurst,
		CheckOrigin:       originChecker(cfg.Server.AllowedOrigins),
	}, logger.Component("ws")).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID(logger.Component("http")))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig().WithOrigins(cfg.Server.AllowedOrigins)))

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	wsHandler.Attach(router, WebSocketPath)

	api := router.Group("/")
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		api.Use(middleware.RateLimit(rl))
	}
	api.Use(middleware.SharedSecret(cfg.Server.Token))

	apihttp.NewHandlers(b, cfg.Broker.ForwardTimeout.Std(), logger.Component("api")).
		WithConnections(wsHandler.Count).
		Register(api)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		snapshots: snapshots,
		broker:    b,
		ws:        wsHandler,
		router:    router,
		http: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler serving the REST surface and /ws.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Broker returns the in-process broker, for collaborators that share the
// process.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))

	gaugeCtx, stopGauges := context.WithCancel(ctx)
	defer stopGauges()
	go s.sampleGauges(gaugeCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = s.Close()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, closes every websocket with "going
// away", and destroys the broker so pending forwards fail with STORE_OFFLINE.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		var errs []error
		if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.ws.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		s.broker.Destroy()

		s.logger.Info("Server stopped")
		_ = s.logger.Sync()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Close shuts down with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		s.recordGauges()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) recordGauges() {
	stats := s.broker.Stats()
	s.metrics.SetStoresLive(stats.Stores)
	s.metrics.SetSubscribers(stats.Subscriptions)
	s.metrics.SetForwardsPending(stats.PendingForwards)
}

// originChecker accepts a websocket handshake when its Origin is listed, or
// when the list contains "*". Requests without an Origin header come from
// non-browser clients and are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
