// Package web is the HTTP front door: the lobby page, the join form,
// the capacity-gated room path serving the static client, the websocket
// upgrade and the metrics endpoint.
package web

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confmesh/signal/pkg/signal"
	"github.com/confmesh/signal/pkg/stats"
)

// Config for the HTTP server.
type Config struct {
	Addr   string `mapstructure:"addr"`
	Static string `mapstructure:"static"`
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`
}

// NewRouter builds the front-door routes. The websocket handler is
// passed in so the signaling wiring stays in cmd.
func NewRouter(co *signal.Coordinator, cfg Config, ws http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.File(filepath.Join(cfg.Static, "lobby.html"))
	})

	// The join form normalizes the room name and lands the client on
	// the room path, where the capacity gate takes over.
	r.POST("/join", func(c *gin.Context) {
		room := strings.TrimSpace(c.PostForm("room"))
		if room == "" {
			c.String(http.StatusBadRequest, "Room name is required")
			return
		}
		c.Redirect(http.StatusFound, "/vc/"+strings.ToLower(room))
	})

	r.GET("/vc/:room", gate(co), func(c *gin.Context) {
		c.File(filepath.Join(cfg.Static, "index.html"))
	})
	r.GET("/vc/:room/*asset", gate(co), func(c *gin.Context) {
		asset := strings.TrimPrefix(c.Param("asset"), "/")
		if asset == "" {
			asset = "index.html"
		}
		if strings.Contains(asset, "..") {
			c.Status(http.StatusBadRequest)
			return
		}
		c.File(filepath.Join(cfg.Static, asset))
	})

	r.GET("/ws", gin.WrapH(ws))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// gate applies the admission decision before the room page is served:
// overflow is bounced to the next sibling, or turned away when this is
// the last instance of the chain.
func gate(co *signal.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := strings.ToLower(c.Param("room"))
		decision, dest := co.Admit(room)
		switch decision {
		case signal.RedirectNext:
			stats.Redirects.Inc()
			c.Redirect(http.StatusFound, dest+"/vc/"+room)
			c.Abort()
		case signal.RejectFull:
			c.String(http.StatusOK, "Sorry, the room is full. Please try again later.")
			c.Abort()
		}
	}
}
