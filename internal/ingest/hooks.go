package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"streamcast/pkg/logging"
)

// hookPayload is the body the ingest protocol server posts for each
// lifecycle hook
type hookPayload struct {
	ConnectionID string            `json:"connectionId"`
	StreamPath   string            `json:"streamPath"`
	Args         map[string]string `json:"args"`
}

// HookController translates ingest-server webhook callbacks into tracker
// events. Malformed requests are rejected; downstream failures never
// are, so a broken transcoder cannot make the ingest server drop a
// publisher.
type HookController struct {
	tracker *Tracker
	logger  logging.Logger
}

// NewHookController creates the webhook adapter for a tracker
func NewHookController(tracker *Tracker, logger logging.Logger) *HookController {
	return &HookController{tracker: tracker, logger: logger}
}

// Register mounts the hook route on a router group
func (hc *HookController) Register(r gin.IRoutes) {
	r.POST("/hooks/:event", hc.HandleHook)
}

// HandleHook receives one lifecycle callback
func (hc *HookController) HandleHook(c *gin.Context) {
	eventType, err := ParseEventType(c.Param("event"))
	if err != nil {
		hc.logger.WithError(err).Warn("Rejected unknown ingest hook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event"})
		return
	}

	var payload hookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		hc.logger.WithError(err).WithField("event", eventType).Warn("Malformed ingest hook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	hc.tracker.Handle(Event{
		Type:         eventType,
		ConnectionID: payload.ConnectionID,
		StreamPath:   payload.StreamPath,
		Args:         payload.Args,
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
