// Package server exposes the ledger and the batch orchestrator over HTTP.
package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/ineyio/gridcredit"
)

const (
	DefaultMaxBatchItems = 48
	DefaultBodyLimit     = 50 << 20
)

// Config holds the HTTP-facing settings.
type Config struct {
	PaymentMode    gridcredit.PaymentMode
	Production     bool
	AllowedOrigins string
	TrustedProxies []string
	MaxBatchItems  int
	BodyLimit      int
}

// Deps are the components the server drives.
type Deps struct {
	Ledger       *gridcredit.Ledger
	Guard        *gridcredit.AbuseGuard
	Limiter      *gridcredit.RateLimiter
	Orchestrator *gridcredit.Orchestrator
	Pool         *gridcredit.CredentialPool
	Logger       zerolog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg      Config
	deps     Deps
	app      *fiber.App
	validate *validator.Validate
	logger   zerolog.Logger
}

// New builds the Fiber app and registers every route.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Ledger == nil || deps.Guard == nil || deps.Limiter == nil || deps.Orchestrator == nil || deps.Pool == nil {
		return nil, fmt.Errorf("server: ledger, guard, limiter, orchestrator and pool are required")
	}
	if cfg.PaymentMode == "" {
		cfg.PaymentMode = gridcredit.PaymentFree
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = DefaultMaxBatchItems
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		validate: newValidator(),
		logger:   deps.Logger.With().Str("component", "http").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		BodyLimit:               cfg.BodyLimit,
		DisableStartupMessage:   true,
		EnableTrustedProxyCheck: len(cfg.TrustedProxies) > 0,
		TrustedProxies:          cfg.TrustedProxies,
		ProxyHeader:             proxyHeader(cfg.TrustedProxies),
		ErrorHandler:            s.handleError,
	})
	s.routes()
	return s, nil
}

func proxyHeader(trusted []string) string {
	if len(trusted) == 0 {
		return ""
	}
	return fiber.HeaderXForwardedFor
}

func (s *Server) routes() {
	origins := strings.TrimSpace(s.cfg.AllowedOrigins)
	if origins == "" || !s.cfg.Production {
		origins = "*"
	}
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, X-Device-Id, X-Payment-Token",
		AllowCredentials: origins != "*",
	}))
	s.app.Use(s.logRequests)

	s.app.Get("/health", s.health)

	// Rate limiting runs per route so only registered paths get a window.
	api := s.app.Group("/api", s.blockBots, s.identify)
	api.Post("/generate-sticker-grid", s.rateLimit, s.generateGrid)
	api.Post("/generate-batch", s.rateLimit, s.generateBatch)

	payment := api.Group("/payment")
	payment.Post("/create", s.rateLimit, s.createOrder)
	payment.Get("/verify", s.rateLimit, s.verifyOrder)
	payment.Post("/mock-pay", s.rateLimit, s.mockPay)
	payment.Post("/cancel", s.rateLimit, s.cancelOrder)
	payment.Get("/quota", s.rateLimit, s.quota)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"ok":          true,
		"paymentMode": s.cfg.PaymentMode,
		"credentials": s.deps.Pool.Snapshot(),
	})
}
