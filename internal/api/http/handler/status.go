package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/api/http/dto"
	"github.com/qualityops/control-plane/internal/command"
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
)

type StatusHandler struct {
	registry   *registry.Registry
	sessions   *session.Coordinator
	dispatcher *command.Dispatcher
}

func NewStatusHandler(reg *registry.Registry, coord *session.Coordinator, disp *command.Dispatcher) *StatusHandler {
	return &StatusHandler{
		registry:   reg,
		sessions:   coord,
		dispatcher: disp,
	}
}

func (h *StatusHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, dto.StatusResponse{
		Clients:  h.registry.Stats(),
		Sessions: h.sessions.Stats(),
		Commands: len(h.dispatcher.History(0)),
	})
}

// Clients returns the full fleet snapshot with derived health.
func (h *StatusHandler) Clients(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Summary())
}
