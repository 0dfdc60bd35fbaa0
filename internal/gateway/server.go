package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/circuitbreaker"
	"github.com/skyrelay/gateway/internal/health"
	"github.com/skyrelay/gateway/internal/metrics"
	"github.com/skyrelay/gateway/internal/routes"
	"github.com/skyrelay/gateway/internal/util"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions.
var ginModeOnce sync.Once

// BreakerDefaults fill in per-route breaker settings a route omits.
type BreakerDefaults struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            int
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	BreakerDefaults BreakerDefaults
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the gateway HTTP server: the pipeline catch-all plus the
// metrics, health, and admin surfaces.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	config     *ServerConfig
}

// NewServer creates the gateway server.
func NewServer(
	config *ServerConfig,
	pipeline *Pipeline,
	manager *routes.Manager,
	breakers *circuitbreaker.Service,
	registry *metrics.Registry,
	checker *health.Checker,
	logger *zap.Logger,
) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(accessLog(logger))

	s := &Server{
		engine: engine,
		logger: logger,
		config: config,
	}

	engine.GET("/metrics", gin.WrapH(registry.Handler()))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/health/ready", func(c *gin.Context) {
		readiness := checker.Readiness()
		status := http.StatusOK
		if readiness.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, readiness)
	})

	registerAdminRoutes(engine, manager, breakers, config.BreakerDefaults, logger)

	// Everything else flows through the pipeline.
	engine.NoRoute(gin.WrapH(pipeline))

	return s
}

// registerAdminRoutes mounts the route CRUD and breaker management surface.
func registerAdminRoutes(
	engine *gin.Engine,
	manager *routes.Manager,
	breakers *circuitbreaker.Service,
	defaults BreakerDefaults,
	logger *zap.Logger,
) {
	admin := engine.Group("/admin")

	admin.GET("/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, manager.Routes())
	})

	admin.POST("/routes", func(c *gin.Context) {
		var route routes.Route
		if err := c.ShouldBindJSON(&route); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "reason": err.Error()})
			return
		}

		if err := manager.Add(c.Request.Context(), &route); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, util.ErrRouteConflict) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": http.StatusText(status), "reason": err.Error()})
			return
		}

		registerBreakerForRoute(c.Request.Context(), breakers, &route, defaults)
		logger.Info("route added", zap.String("route", route.Name))
		c.JSON(http.StatusCreated, route)
	})

	admin.PUT("/routes/:name", func(c *gin.Context) {
		var route routes.Route
		if err := c.ShouldBindJSON(&route); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "reason": err.Error()})
			return
		}

		existed, err := manager.Update(c.Request.Context(), c.Param("name"), &route)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "reason": err.Error()})
			return
		}
		if !existed {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "reason": "no such route"})
			return
		}

		registerBreakerForRoute(c.Request.Context(), breakers, &route, defaults)
		logger.Info("route updated", zap.String("route", route.Name))
		c.JSON(http.StatusOK, route)
	})

	admin.DELETE("/routes/:name", func(c *gin.Context) {
		existed, err := manager.Delete(c.Request.Context(), c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "reason": err.Error()})
			return
		}
		if !existed {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "reason": "no such route"})
			return
		}

		breakers.Unregister(c.Param("name"))
		logger.Info("route deleted", zap.String("route", c.Param("name")))
		c.Status(http.StatusNoContent)
	})

	admin.GET("/circuit-breakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, breakers.Health())
	})

	admin.POST("/circuit-breakers/:id/reset", func(c *gin.Context) {
		id := c.Param("id")
		if !breakers.Reset(c.Request.Context(), id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "reason": "no such circuit breaker"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reset", "service_id": id})
	})
}

// RegisterRouteBreakers registers a breaker for every route that carries a
// breaker config. Called at startup; the admin surface registers single
// routes through registerBreakerForRoute.
func RegisterRouteBreakers(
	ctx context.Context,
	manager *routes.Manager,
	breakers *circuitbreaker.Service,
	defaults BreakerDefaults,
) {
	for _, route := range manager.Routes() {
		registerBreakerForRoute(ctx, breakers, route, defaults)
	}
}

func registerBreakerForRoute(
	ctx context.Context,
	breakers *circuitbreaker.Service,
	route *routes.Route,
	defaults BreakerDefaults,
) {
	cb := route.CircuitBreaker
	if cb == nil {
		return
	}

	threshold := cb.FailureThreshold
	if threshold == 0 {
		threshold = defaults.FailureThreshold
	}

	resetTimeout := time.Duration(cb.ResetTimeoutMS) * time.Millisecond
	if resetTimeout == 0 {
		resetTimeout = defaults.ResetTimeout
	}

	successes := cb.SuccessesBeforeReset
	if successes == 0 {
		successes = 1
	}

	breakers.Register(ctx, route.Name, &circuitbreaker.Config{
		FailureThreshold:     threshold,
		ResetTimeout:         resetTimeout,
		SuccessesBeforeReset: successes,
		Distributed:          cb.Distributed,
	})
}

// accessLog logs one line per request.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", util.ClientIP(c.Request)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
