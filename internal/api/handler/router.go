package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/health"
	"github.com/jmerrifield20/auditledger/internal/identity"
)

// HealthReporter reports the outcome of the latest chain audit.
// *health.Checker implements it.
type HealthReporter interface {
	Status() health.Status
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	BaseURL      string
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
	// TrustedProxies are the peers allowed to set X-Forwarded-For. The
	// rate limiter keys on the client IP, so none are trusted by default.
	TrustedProxies []string
	// Health, when set, makes /healthz answer 503 while the chain is degraded.
	Health HealthReporter
}

// NewRouter assembles the HTTP surface: middleware, health and metrics
// endpoints, the well-known key documents and the /api/v1 ledger routes.
// Background work started for the router stops when ctx is done.
func NewRouter(ctx context.Context, cfg RouterConfig, l Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Warn("ignoring invalid trusted proxies", zap.Strings("proxies", cfg.TrustedProxies), zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", RequestIDHeader},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(SecurityHeaders())
	router.Use(RequestID())

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(MaxBodySize(maxBody))

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if cfg.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": l.Len()})
			return
		}
		st := cfg.Health.Status()
		if !st.Healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "entries": l.Len(), "audit": st})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": l.Len(), "audit": st})
	})
	router.GET("/metrics", MetricsHandler())
	identity.RegisterWellKnown(router, cfg.BaseURL, tokens)

	v1 := router.Group("/api/v1")
	NewLedgerHandler(l, tokens, logger).Register(v1)
	return router
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
