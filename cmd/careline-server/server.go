package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/domain/scheduling"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/db"
	"github.com/careline/careline/internal/platform/middleware"
	"github.com/careline/careline/internal/platform/telemetry"
	"github.com/careline/careline/internal/platform/validation"
)

// newEcho builds the HTTP server: middleware chain, operational endpoints
// and the /api/v1 routes.
func newEcho(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(telemetry.TracingMiddleware(otel.GetTracerProvider()))
	e.Use(middleware.Metrics(a.metrics))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		a.logger.Warn().Msg("development auth enabled: identities are taken from X-Dev-* headers")
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rl, func(c echo.Context) string {
		if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + c.RealIP()
	}))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	scheduling.NewHandler(a.lifecycle, a.slots).RegisterRoutes(api)
	reminder.NewHandler(a.gate, a.ledger, a.scheduler).RegisterRoutes(api)
	return e
}
