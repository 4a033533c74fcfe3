package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/command"
)

type CommandHandler struct {
	dispatcher *command.Dispatcher
	catalog    *catalog.Catalog
}

func NewCommandHandler(disp *command.Dispatcher, cat *catalog.Catalog) *CommandHandler {
	return &CommandHandler{dispatcher: disp, catalog: cat}
}

// History returns the most recent dispatched commands, newest last.
func (h *CommandHandler) History(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, gin.H{"history": h.dispatcher.History(limit)})
}

// Actions lists every dispatchable action and its parameter schema.
func (h *CommandHandler) Actions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": command.Specs()})
}

// Services lists the service catalog in restart priority order.
func (h *CommandHandler) Services(c *gin.Context) {
	order := h.catalog.PriorityOrder()
	services := make([]catalog.Service, 0, len(order))
	for _, name := range order {
		if svc, ok := h.catalog.Get(name); ok {
			services = append(services, svc)
		}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}
