package http

import (
	"github.com/gin-gonic/gin"

	"github.com/qualityops/control-plane/internal/api/http/handler"
	"github.com/qualityops/control-plane/internal/api/http/middleware"
	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/audit"
	"github.com/qualityops/control-plane/internal/auth"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/command"
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
)

type Services struct {
	Registry   *registry.Registry
	Directory  *attendants.Directory
	Sessions   *session.Coordinator
	Dispatcher *command.Dispatcher
	Catalog    *catalog.Catalog
	Audit      *audit.Logger
	AuthConfig auth.Config
	Config     Config
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Directory, srvs.AuthConfig)
	engine.POST("/api/auth/login", authHandler.Login)

	statusHandler := handler.NewStatusHandler(srvs.Registry, srvs.Sessions, srvs.Dispatcher)
	sessionHandler := handler.NewSessionHandler(srvs.Sessions)
	commandHandler := handler.NewCommandHandler(srvs.Dispatcher, srvs.Catalog)
	auditHandler := handler.NewAuditHandler(srvs.Audit)

	api := engine.Group("/api", middleware.JWTAuth(srvs.AuthConfig.Secret))
	{
		api.POST("/auth/password", authHandler.ChangeSecret)
		api.GET("/status", statusHandler.Overview)
		api.GET("/clients", statusHandler.Clients)
		api.GET("/commands/actions", commandHandler.Actions)
		api.GET("/commands/services", commandHandler.Services)
		api.GET("/commands/history", commandHandler.History)

		supervised := api.Group("", middleware.RequireRole(
			string(attendants.RoleAdministrator),
			string(attendants.RoleSeniorSupport),
		))
		{
			supervised.GET("/sessions", sessionHandler.List)
			supervised.GET("/locks", sessionHandler.Locks)
			supervised.GET("/audit", auditHandler.Query)
		}

		attendantHandler := handler.NewAttendantHandler(srvs.Directory)
		adminOnly := middleware.RequireRole(string(attendants.RoleAdministrator))
		apiKey := middleware.APIKeyAuth(srvs.Config.AdminAPIKey)
		admin := api.Group("/attendants", adminOnly, apiKey)
		{
			admin.GET("", attendantHandler.List)
			admin.POST("", attendantHandler.Create)
			admin.GET("/:attendant_id", attendantHandler.Get)
		}
		api.DELETE("/locks/:client_id", adminOnly, apiKey, sessionHandler.ForceRelease)
	}
}
