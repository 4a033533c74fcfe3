package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/qualityops/control-plane/internal/api/http"
	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/audit"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/command"
	"github.com/qualityops/control-plane/internal/controlplane"
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
	"github.com/qualityops/control-plane/internal/transport"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Control Plane Server", "version", AppVersion)

	cat := catalog.Default()
	if len(config.Services) > 0 {
		cat = catalog.New(config.Services)
	}

	reg := registry.New(config.Clients.AcceptedPrefixes, cat)
	directory := attendants.NewDirectory()
	if err := directory.Seed(config.Attendants); err != nil {
		slog.Error("Failed to load attendant roster", "error", err)
		os.Exit(1)
	}

	coordinator := session.NewCoordinator()
	dispatcher := command.NewDispatcher(cat, directory, coordinator, command.NewHistory(command.DefaultHistoryLimit))

	auditOpts := []audit.Option{}
	if config.Audit.MaxSizeBytes > 0 {
		auditOpts = append(auditOpts, audit.WithMaxSize(config.Audit.MaxSizeBytes))
	}
	auditLog, err := audit.NewLogger(config.Audit.Dir, auditOpts...)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp := controlplane.NewServer(reg, directory, coordinator, dispatcher, auditLog, config.Auth)
	wsServer := transport.NewServer(ctx, config.Websocket, cp, slog.Default())
	cp.SetSender(wsServer)

	go cp.RunSweeper(ctx, config.Timeouts)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Registry:   reg,
		Directory:  directory,
		Sessions:   coordinator,
		Dispatcher: dispatcher,
		Catalog:    cat,
		Audit:      auditLog,
		AuthConfig: config.Auth,
		Config:     config.Http,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	wsDone := make(chan struct{})
	go func() {
		defer close(wsDone)
		if err := wsServer.Run(); err != nil {
			errChan <- fmt.Errorf("WebSocket server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-wsDone:
			slog.Info("WebSocket server stopped")
		case <-time.After(shutdownTimeout):
			slog.Error("WebSocket server shutdown timed out")
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
