// ABOUTME: HTTP route table for the gateway echo server
// ABOUTME: Health probes, the session API, the UI WebSocket and the metrics endpoint

package gateway

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (g *Gateway) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			// Probes and the socket upgrade would drown everything else.
			p := c.Path()
			return p == "/health" || p == "/health/ready" || p == "/ready" || p == "/ws"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				g.logger.Warn("http request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			g.logger.Debug("http request", attrs...)
			return nil
		},
	}))

	// Health endpoints
	e.GET("/health", g.handleHealth)
	e.GET("/health/ready", g.handleReady)
	e.GET("/ready", g.handleReady)

	api := e.Group("/api")
	api.GET("/session", g.handleSession)
	api.GET("/tools", g.handleTools)
	api.GET("/events", g.handleEvents)
	api.GET("/journal", g.handleJournal)
	api.POST("/messages", g.handleSendMessage)
	api.POST("/actions", g.handleUserAction)
	api.POST("/cancel", g.handleCancel)
	api.GET("/snapshot", g.handleGetSnapshot)
	api.POST("/snapshot", g.handleSaveSnapshot)
	api.GET("/snapshots", g.handleListSnapshots)

	e.GET("/ws", g.ui.HandleWebSocket)

	if g.metrics != nil {
		e.GET(g.config.Metrics.Path, echo.WrapHandler(g.metrics.Handler()))
	}
	return e
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleReady returns 200 OK once the session has started.
func (g *Gateway) handleReady(c echo.Context) error {
	g.startMu.Lock()
	started := g.started
	g.startMu.Unlock()
	if !started {
		return c.String(http.StatusServiceUnavailable, "session not started")
	}
	return c.String(http.StatusOK, fmt.Sprintf("ready (%s)", g.session.State().CurrentPhase()))
}
