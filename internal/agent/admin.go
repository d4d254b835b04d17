package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/tcfchan/internal/auth"
	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Router builds the admin HTTP surface.
func (a *Agent) Router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(a.cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(a.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"agent":  a.cfg.ID,
			"uptime": a.cfg.Clock.Since(a.started).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/channels", func(c *gin.Context) {
		list, err := a.Snapshots(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": list})
	})

	var guard auth.Validator
	if a.cfg.AdminToken != "" {
		guard = auth.StaticToken{Token: a.cfg.AdminToken}
	}
	r.POST("/channels/:id/close", auth.Require(guard), func(c *gin.Context) {
		id := c.Param("id")
		err := a.CloseChannel(c.Request.Context(), id)
		switch {
		case errors.Is(err, ErrChannelAbsent):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "closing", "channel": id})
		}
	})

	r.GET("/peers", func(c *gin.Context) {
		peers := a.registry.List()
		out := make([]map[string]string, 0, len(peers))
		for _, p := range peers {
			out = append(out, p.Attributes())
		}
		c.JSON(http.StatusOK, gin.H{"peers": out})
	})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
