// Package api exposes the read-only status HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"optionflow/internal/events"
	"optionflow/internal/monitor"
	"optionflow/internal/staking"
	"optionflow/pkg/broker"
	"optionflow/pkg/logger"
)

// Server serves the health, status, and metrics endpoints.
type Server struct {
	engine  *gin.Engine
	session *broker.Session
	tracker *staking.Tracker
	metrics *monitor.Metrics
	recent  *recentEvents
}

// NewServer wires the routes. The bus subscription keeps a bounded ring of
// recent events for the status payload.
func NewServer(session *broker.Session, tracker *staking.Tracker, metrics *monitor.Metrics, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), rateLimit(rate.NewLimiter(20, 40)))

	s := &Server{
		engine:  router,
		session: session,
		tracker: tracker,
		metrics: metrics,
		recent:  newRecentEvents(bus, 50),
	}

	router.GET("/health", s.health)
	router.GET("/status", s.status)
	router.GET("/metrics", s.metricsHandler)
	return s
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	logger.WithComponent("api").WithField("addr", addr).Info("status API listening")
	return s.engine.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": s.session.IsConnected(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(c *gin.Context) {
	wins, losses, ties := s.tracker.Totals()
	c.JSON(http.StatusOK, gin.H{
		"connection": s.session.State().String(),
		"wins":       wins,
		"losses":     losses,
		"ties":       ties,
		"events":     s.recent.list(),
	})
}

func (s *Server) metricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
