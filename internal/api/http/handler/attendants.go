package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/api/http/dto"
	"github.com/qualityops/control-plane/internal/attendants"
)

type AttendantHandler struct {
	directory *attendants.Directory
}

func NewAttendantHandler(directory *attendants.Directory) *AttendantHandler {
	return &AttendantHandler{directory: directory}
}

func (h *AttendantHandler) List(c *gin.Context) {
	profiles := h.directory.List()
	out := make([]dto.AttendantResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"attendants": out})
}

func (h *AttendantHandler) Create(c *gin.Context) {
	var req dto.CreateAttendantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := attendants.Role(req.Role)
	switch role {
	case attendants.RoleAdministrator, attendants.RoleSeniorSupport, attendants.RoleJuniorSupport:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	profile, err := h.directory.Create(attendants.CreateParams{
		Username:        req.Username,
		DisplayName:     req.DisplayName,
		Secret:          req.Password,
		Role:            role,
		Permissions:     req.Permissions,
		AssignedClients: req.AssignedClients,
	})
	if err != nil {
		if errors.Is(err, attendants.ErrUsernameExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		slog.Error("Failed to create attendant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create attendant"})
		return
	}

	c.JSON(http.StatusCreated, profileResponse(profile))
}

func (h *AttendantHandler) Get(c *gin.Context) {
	profile, ok := h.directory.Get(c.Param("attendant_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "attendant not found"})
		return
	}
	c.JSON(http.StatusOK, profileResponse(profile))
}

func profileResponse(p attendants.Profile) dto.AttendantResponse {
	return dto.AttendantResponse{
		ID:              p.ID,
		Username:        p.Username,
		DisplayName:     p.DisplayName,
		Role:            string(p.Role),
		Permissions:     p.Permissions,
		AssignedClients: p.AssignedClients,
	}
}
