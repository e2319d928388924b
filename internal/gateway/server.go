// Package gateway provides the OpenClaw gateway server: the HTTP and
// WebSocket control plane for the crontab-backed scheduler.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
)

// Server is the OpenClaw gateway server.
type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	logger zerolog.Logger

	cronService *cron.Service
	events      *agent.EventQueue

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New wires the full cron pipeline behind a gateway server.
func New(cfg *config.Config) *Server {
	// Standard JSON logger; ConsoleWriter misbehaves on some terminals.
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "gateway").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	events := agent.NewEventQueue(logger)
	runner := agent.NewSubprocessRunner(cfg.Cron.BinPath, logger)
	sender := cron.NewWebhookSender(cfg.Cron.WebhookToken, logger)
	dispatcher := cron.NewDispatcher(cron.DispatchConfig{
		DefaultAgentID: cfg.Agents.Defaults.ID,
		MainSessionKey: cfg.Agents.Defaults.MainSessionKey,
	}, events, runner, sender, logger)

	store := cron.NewStore(cron.NewSystemCrontab(), cfg.CronLockPath(), logger)
	history := cron.NewHistoryReader(logger)
	cronService := cron.NewService(store, dispatcher, history, logger)

	return &Server{
		cfg:         cfg,
		echo:        e,
		logger:      logger,
		cronService: cronService,
		events:      events,
	}
}

// CronService exposes the cron facade, mainly for local CLI fallback.
func (s *Server) CronService() *cron.Service {
	return s.cronService
}

// Start starts the gateway server and blocks until shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.setupMiddleware()
	s.setupRoutes()

	host := "127.0.0.1"
	switch s.cfg.Gateway.Bind {
	case "", "loopback":
	case "public":
		host = "0.0.0.0"
	default:
		host = s.cfg.Gateway.Bind
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)

	go func() {
		s.logger.Info().Str("addr", addr).Msg("Gateway server starting")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("Gateway server failed")
		}
	}()

	s.printStartupBanner(addr)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Fallback: if terminal is in raw/no-ISIG mode, Ctrl+C may appear as byte 0x03.
	// Capture it so users can still stop the gateway.
	manualQuit := make(chan struct{}, 1)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		go func() {
			reader := bufio.NewReader(os.Stdin)
			for {
				b, err := reader.ReadByte()
				if err != nil {
					return
				}
				if b == 3 {
					manualQuit <- struct{}{}
					return
				}
			}
		}()
	}

	select {
	case <-quit:
	case <-manualQuit:
	}

	s.logger.Info().Msg("Shutting down gateway server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	// Recover from panics
	s.echo.Use(middleware.Recover())

	// Rate Limiting (Global)
	s.echo.Use(s.RateLimitMiddleware())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
	}))
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// Root Handler: WebSocket upgrade, plain status otherwise
	s.echo.GET("/", func(c echo.Context) error {
		if c.Request().Header.Get("Upgrade") == "websocket" {
			return s.AuthMiddleware(s.handleWebSocket)(c)
		}
		return s.handleRoot(c)
	})

	// API routes
	api := s.echo.Group("/api")
	api.Use(s.AuthMiddleware)
	{
		// Status
		api.GET("/status", s.handleStatus)
		api.GET("/scheduler/status", s.handleSchedulerStatus)

		// Cron
		api.GET("/cron/jobs", s.handleCronList)
		api.POST("/cron/jobs", s.handleCronAdd)
		api.GET("/cron/jobs/:id", s.handleCronGet)
		api.DELETE("/cron/jobs/:id", s.handleCronRemove)
		api.POST("/cron/jobs/:id/update", s.handleCronUpdate)
		api.POST("/cron/jobs/:id/run", s.handleCronRun)
		api.GET("/cron/jobs/:id/runs", s.handleCronRuns)
		api.GET("/cron/status", s.handleCronStatus)
	}
}

func (s *Server) printStartupBanner(addr string) {
	fmt.Println()
	fmt.Println("  🦞 OpenClaw Gateway")
	fmt.Println("  ==================")
	fmt.Printf("  ✓ HTTP server listening on http://%s\n", addr)
	fmt.Printf("  ✓ WebSocket endpoint: ws://%s\n", addr)
	fmt.Println()
	fmt.Println("  Scheduling is delegated to the host crontab; run")
	fmt.Println("  'openclaw cron status' to inspect it.")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()
}

// IsRunning returns whether the gateway is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the gateway has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}
