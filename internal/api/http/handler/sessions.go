package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/api/http/dto"
	"github.com/qualityops/control-plane/internal/session"
)

type SessionHandler struct {
	sessions *session.Coordinator
}

func NewSessionHandler(coord *session.Coordinator) *SessionHandler {
	return &SessionHandler{sessions: coord}
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.sessions.Sessions()
	out := make([]dto.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, dto.SessionResponse{
			SessionID:        s.ID,
			AttendantID:      s.AttendantID,
			AttendantName:    s.AttendantName,
			Role:             string(s.Role),
			LoginTime:        s.LoginTime.Format(time.RFC3339),
			LastActivity:     s.LastActivityAt.Format(time.RFC3339),
			CurrentClientID:  s.CurrentClientID,
			CommandsExecuted: s.CommandsExecuted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) Locks(c *gin.Context) {
	locks := h.sessions.Locks()
	out := make([]dto.LockResponse, 0, len(locks))
	for _, lock := range locks {
		out = append(out, dto.LockResponse{
			ClientID:      lock.ClientID,
			AttendantID:   lock.AttendantID,
			AttendantName: lock.AttendantName,
			Action:        lock.Action,
			AcquiredAt:    lock.AcquiredAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"locks": out})
}

// ForceRelease drops a lock regardless of holder. Administrator only.
func (h *SessionHandler) ForceRelease(c *gin.Context) {
	clientID := c.Param("client_id")
	h.sessions.ReleaseLock(clientID, "")
	c.JSON(http.StatusOK, gin.H{"status": "released", "client_id": clientID})
}
