// Package api serves tiles, chart series and rendered biomass frames over REST, and mounts the
// playback stream.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Engine builds the gin engine with recovery, request logging and CORS.
func (s *Server) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), s.requestLog(), cors.New(corsConfig(s.origins)))
	Routers(e.Group("/v1"), s)
	return e
}

func Routers(e *gin.RouterGroup, s *Server) {
	e.GET("/healthz", s.Health)

	tiles := e.Group("/tiles")
	tiles.GET("", s.Tiles)
	tiles.GET("/xyz/:z/:x/:y", s.TileByXYZ)
	tiles.GET("/:id", s.Tile)
	tiles.GET("/:id/quad", s.TileQuad)
	tiles.GET("/:id/simulations/:sim/frames/:frame", s.FramePNG)

	sims := e.Group("/simulations")
	sims.GET("/:id/chart", s.Chart)
	sims.GET("/:id/meta", s.Meta)

	if s.stream != nil {
		e.GET("/stream", gin.WrapH(s.stream))
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Frame-Index", "X-Frame-Step"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, strings.TrimRight(o, "/"))
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"took":   time.Since(start).Round(time.Microsecond).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
