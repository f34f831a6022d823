package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"uptime":             time.Since(s.appeared).String(),
			"component":          "linkd",
			"node":               s.cfg.NodeID,
			"active_connections": s.ActiveConnections(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var validator auth.Validator
	if token := strings.TrimSpace(s.cfg.AuthToken); token != "" {
		validator = auth.StaticToken{Token: token}
	}
	guard := auth.Require(validator)

	r.GET("/connections", guard, func(c *gin.Context) {
		entries, err := s.dir.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": entries})
	})

	r.GET("/connections/:id", guard, func(c *gin.Context) {
		entry, ok, err := s.dir.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	// The upgraded socket outlives the request, so the endpoint runs under the
	// service context.
	r.GET("/ws", guard, func(c *gin.Context) {
		conn, err := transport.Accept(s.upgrader, c.Writer, c.Request, s.cfg.Session.MaxFrameBytes)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("server.ws upgrade failed")
			return
		}
		if _, err := s.Attach(s.context(), conn); err != nil {
			s.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("server.ws attach failed")
		}
	})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
