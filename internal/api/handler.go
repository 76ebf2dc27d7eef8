// Package api exposes the operational HTTP surface: order management,
// execution history, resilience state and engine metrics.
package api

import (
	"net/http"
	"time"

	"trigger-core/internal/events"
	"trigger-core/internal/executor"
	"trigger-core/internal/monitor"
	"trigger-core/internal/order"
	"trigger-core/internal/resilience"
	"trigger-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine's components.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Store     *db.Store
	Repo      *order.Repository
	Coord     *executor.Coordinator
	Guard     *resilience.Guard
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Instruments []string
	UseMockFeed bool
	DryRun      bool
	Version     string
}

// NewServer builds the router with the full middleware stack.
func NewServer(bus *events.Bus, store *db.Store, repo *order.Repository,
	coord *executor.Coordinator, guard *resilience.Guard, metrics *monitor.SystemMetrics,
	meta SystemMeta, jwtSecret string) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{
		Router:    r,
		Bus:       bus,
		Store:     store,
		Repo:      repo,
		Coord:     coord,
		Guard:     guard,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/orders", s.listOrders)
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.GET("/orders/:id/executions", s.listExecutions)

			protected.GET("/resilience", s.getResilience)
			protected.POST("/resilience/breakers/:dep/close", s.forceCloseBreaker)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
