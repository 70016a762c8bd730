package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/evident-proof/evident/internal/health"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Services are the collaborators the router mounts. Checker may be nil.
type Services struct {
	Auth         authenticator
	Calls        callRecorder
	Sealing      sealer
	Receipts     receiptReader
	Certificates certificateSvc
	Ledger       ledgerSvc
	Statistics   snapshotter
	Agreements   agreementAdmin
	Anchoring    requeuer
	Checker      *health.Checker
}

// RouterConfig holds HTTP-layer settings.
type RouterConfig struct {
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
	AdminSecret  string   `mapstructure:"admin_secret"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
}

// NewRouter builds the gin engine serving /api/v1, /healthz and /metrics.
// Background helpers (rate limiter cleanup) stop when ctx is done.
func NewRouter(ctx context.Context, svcs Services, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", HeaderAPIKey, HeaderAgreementID, "Idempotency-Key"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", HealthHandler(svcs.Checker))
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	certs := NewCertificateHandler(svcs.Certificates, logger)
	certs.RegisterPublic(v1, svcs.Auth)

	authed := v1.Group("", RequireAgreement(svcs.Auth, logger))
	NewEvidenceHandler(svcs.Sealing, svcs.Receipts, logger).Register(authed, svcs.Calls)
	certs.Register(authed, svcs.Calls)
	NewLedgerHandler(svcs.Ledger, logger).Register(authed)
	NewStatisticsHandler(svcs.Statistics, logger).Register(authed, svcs.Calls)

	NewAdminHandler(svcs.Agreements, svcs.Ledger, svcs.Anchoring, logger).Register(v1, cfg.AdminSecret)
	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
