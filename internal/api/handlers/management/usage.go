package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/nghyane/omnigate/internal/logging"
)

const defaultUsageWindow = 7 * 24 * time.Hour

// GetUsage returns counters plus backend aggregates. The window is set with
// ?days=N or ?since=<duration>, defaulting to seven days.
func (h *Handler) GetUsage(c *gin.Context) {
	if h.tracker == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "usage tracking disabled")
		return
	}
	window, err := usageWindow(c)
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	snap, err := h.tracker.Snapshot(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		log.WithError(err).Error("management: usage query failed")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "usage query failed")
		return
	}
	respondOK(c, snap)
}

func usageWindow(c *gin.Context) (time.Duration, error) {
	if v := c.Query("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return 0, errInvalidParam("since")
		}
		return d, nil
	}
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, errInvalidParam("days")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return defaultUsageWindow, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }

// GetAttempts lists the upstream attempts of one request.
func (h *Handler) GetAttempts(c *gin.Context) {
	if h.tracker == nil || h.tracker.Backend() == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "usage storage disabled")
		return
	}
	id := c.Param("id")
	attempts, err := h.tracker.Backend().QueryAttempts(c.Request.Context(), id)
	if err != nil {
		log.WithError(err).WithField("request_id", id).Error("management: attempts query failed")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "attempts query failed")
		return
	}
	if len(attempts) == 0 {
		respondError(c, http.StatusNotFound, ErrCodeNotFound, "no attempts for request "+id)
		return
	}
	respondOK(c, gin.H{"request_id": id, "attempts": attempts})
}
