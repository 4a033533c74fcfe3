package dto

type CreateAttendantRequest struct {
	Username        string          `json:"username" binding:"required"`
	DisplayName     string          `json:"display_name" binding:"required"`
	Password        string          `json:"password" binding:"required"`
	Role            string          `json:"role" binding:"required"`
	Permissions     map[string]bool `json:"permissions"`
	AssignedClients []string        `json:"assigned_clients"`
}

type AttendantResponse struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	DisplayName     string          `json:"display_name"`
	Role            string          `json:"role"`
	Permissions     map[string]bool `json:"permissions"`
	AssignedClients []string        `json:"assigned_clients"`
}
