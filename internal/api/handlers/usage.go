package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ccbridge/ccbridge/internal/usage"
)

// UsageHandler serves GET /v0/usage.
type UsageHandler struct {
	tracker *usage.Tracker
}

func NewUsageHandler(tracker *usage.Tracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

// Snapshot returns instant counters plus historical breakdowns. The window
// defaults to 30 days; ?days=N overrides it.
func (h *UsageHandler) Snapshot(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}
	since := time.Now().AddDate(0, 0, -days)

	snap, err := h.tracker.Snapshot(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}
