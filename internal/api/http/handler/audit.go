package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/audit"
)

type AuditHandler struct {
	log *audit.Logger
}

func NewAuditHandler(log *audit.Logger) *AuditHandler {
	return &AuditHandler{log: log}
}

// Query returns audit entries matching the filter query parameters.
func (h *AuditHandler) Query(c *gin.Context) {
	filter := audit.Filter{
		Kind:        audit.Kind(c.Query("kind")),
		AttendantID: c.Query("attendant_id"),
		ClientID:    c.Query("client_id"),
		Limit:       500,
	}

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = parsed
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		filter.Since = since
	}
	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until timestamp"})
			return
		}
		filter.Until = until
	}

	entries, err := h.log.Query(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
