package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/scenecast/internal/assetstore"
	"github.com/danmuck/scenecast/internal/auth"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// routes builds the HTTP side channel: health and metrics are open, bulk
// resources need the configured token.
func (r *Runtime) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(observability.RequestLogger(log.Logger))
	g.Use(observability.RequestMetricsMiddleware(r.cfg.Name))
	g.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(r.cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = g.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g.GET("/health", r.health)
	g.GET("/metrics", observability.MetricsHandler())
	resources := g.Group("/resources", auth.Middleware(auth.ForToken(r.cfg.Token)))
	resources.GET("/:uid", r.resource)
	return g
}

func (r *Runtime) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"server":    r.cfg.Name,
		"server_id": strconv.FormatUint(r.cfg.ServerID, 10),
		"instance":  r.id.String(),
		"uptime":    time.Since(r.started).Round(time.Second).String(),
		"clients":   r.Clients(),
		"resources": r.Resources(),
	})
}

func (r *Runtime) resource(c *gin.Context) {
	uid, err := strconv.ParseUint(c.Param("uid"), 10, 64)
	if err != nil || uid == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource id"})
		return
	}
	if r.assets == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no asset store"})
		return
	}
	a, err := r.assets.Get(c.Request.Context(), uid)
	if errors.Is(err, assetstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Resource-Kind", a.Kind.String())
	c.Data(http.StatusOK, "application/octet-stream", a.Blob)
}
