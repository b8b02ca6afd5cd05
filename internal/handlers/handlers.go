// Package handlers carries the HTTP surface: the viewer info endpoint,
// the health endpoint, and the WebSocket entry point.
package handlers

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"streamcast/internal/hub"
	"streamcast/internal/transcode"
	"streamcast/pkg/logging"
	"streamcast/pkg/monitoring"
)

// Locators describes the service's external endpoints for /api/info
type Locators struct {
	HTTPPort      string
	IngestPort    string
	MediaHTTPPort string
	StreamApp     string
}

// Handlers contains the HTTP handlers for the service
type Handlers struct {
	hub        *hub.Hub
	supervisor *transcode.Supervisor
	health     *monitoring.HealthChecker
	locators   Locators
	logger     logging.Logger
	startTime  time.Time
}

// New creates a handlers instance
func New(h *hub.Hub, supervisor *transcode.Supervisor, health *monitoring.HealthChecker, locators Locators, logger logging.Logger) *Handlers {
	return &Handlers{
		hub:        h,
		supervisor: supervisor,
		health:     health,
		locators:   locators,
		logger:     logger,
		startTime:  time.Now(),
	}
}

// InfoResponse is the /api/info payload
type InfoResponse struct {
	IP              string `json:"ip"`
	IngestLocator   string `json:"ingestLocator"`
	DeliveryLocator string `json:"deliveryLocator"`
	IsLive          bool   `json:"isLive"`
	Viewers         int    `json:"viewers"`
}

// HealthResponse is the /health payload
type HealthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	Timestamp     int64  `json:"timestamp"`
	ActiveStreams int    `json:"activeStreams"`
	Viewers       int    `json:"viewers"`
}

// HandleWebSocket serves the viewer notification channel
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleInfo answers the viewer bootstrap query with the service's
// locators and current stream state
func (h *Handlers) HandleInfo(c *gin.Context) {
	snap := h.hub.LiveState()
	ip := outboundIP()

	c.JSON(http.StatusOK, InfoResponse{
		IP:              ip,
		IngestLocator:   fmt.Sprintf("rtmp://%s:%s/%s", ip, h.locators.IngestPort, h.locators.StreamApp),
		DeliveryLocator: fmt.Sprintf("http://%s:%s%s", ip, h.locators.MediaHTTPPort, snap.Path),
		IsLive:          snap.Live,
		Viewers:         h.hub.ViewerCount(),
	})
}

// HandleHealth reports service liveness, stream activity, and viewer
// counts. The underlying checks (transcoder binary, output directory,
// configuration) decide the status field.
func (h *Handlers) HandleHealth(c *gin.Context) {
	checked := h.health.CheckHealth()

	active := 0
	if h.hub.LiveState().Live {
		active = 1
	}

	resp := HealthResponse{
		Status:        checked.Status,
		Uptime:        time.Since(h.startTime).String(),
		Timestamp:     time.Now().Unix(),
		ActiveStreams: active,
		Viewers:       h.hub.ViewerCount(),
	}

	statusCode := http.StatusOK
	if checked.Status == monitoring.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, resp)
}

// HandleStats reports internal state for operators: hub tallies and
// supervised jobs
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hub":    h.hub.Stats(),
		"jobs":   h.supervisor.Jobs(),
		"stream": h.hub.LiveState(),
	})
}

// HandleNotFound provides a custom 404 handler
func (h *Handlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "streamcast",
		"message": "Endpoint not found",
	})
}

// outboundIP discovers the host's primary interface address. The UDP
// dial never transmits; it only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
