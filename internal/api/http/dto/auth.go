package dto

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	AttendantID string `json:"attendant_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type ChangeSecretRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}
