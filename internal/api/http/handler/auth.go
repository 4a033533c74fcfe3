package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/api/http/dto"
	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/auth"
)

type AuthHandler struct {
	directory *attendants.Directory
	authCfg   auth.Config
}

func NewAuthHandler(directory *attendants.Directory, authCfg auth.Config) *AuthHandler {
	return &AuthHandler{
		directory: directory,
		authCfg:   authCfg,
	}
}

// Login exchanges attendant credentials for a bearer token. Failures are
// reported with a single generic message.
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, err := h.directory.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateToken(h.authCfg, profile.ID, profile.Username, string(profile.Role))
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{
		Token:       token,
		AttendantID: profile.ID,
		DisplayName: profile.DisplayName,
		Role:        string(profile.Role),
	})
}

// ChangeSecret rotates the calling attendant's password.
func (h *AuthHandler) ChangeSecret(c *gin.Context) {
	var req dto.ChangeSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attendantID := c.GetString("attendant_id")
	if err := h.directory.ChangeSecret(attendantID, req.OldPassword, req.NewPassword); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "password changed"})
}
