package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/meshcore/common/bootstrap"
	"github.com/lyzr/meshcore/common/middleware"
	"github.com/lyzr/meshcore/common/ratelimit"
	"github.com/lyzr/meshcore/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB, logger, queue, cache, telemetry)
	// plus the mesh runtime this node participates in.
	components, err := bootstrap.Setup(ctx, "meshnode", bootstrap.WithMeshRuntime())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap meshnode: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	container, err := NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize node container: %v\n", err)
		os.Exit(1)
	}

	container.ServeMeshTransport(ctx)

	e := setupEcho()
	setupMiddleware(e, container)
	RegisterRoutes(e, container)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *Container) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	cfg := c.Components.Config
	if cfg.Features.EnableRateLimiting && c.Components.Redis != nil {
		limiter := ratelimit.NewRateLimiter(c.Components.Redis.GetUnderlying(), c.Components.Logger)
		e.Use(middleware.GlobalRateLimitMiddleware(limiter, ratelimit.DefaultGlobalConfig.Limit))
	}
}

// startServer serves the Echo handler with graceful shutdown
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New(
		components.Config.Service.Name,
		components.Config.Service.Port,
		e,
		components.Logger,
	)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
