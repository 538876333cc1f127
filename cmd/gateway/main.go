package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/meshcore/common/bootstrap"
	"github.com/lyzr/meshcore/common/ratelimit"
	"github.com/lyzr/meshcore/common/validation"
	"github.com/lyzr/meshcore/meshactor"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
	"github.com/lyzr/meshcore/meshruntime"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components := bootstrap.MustSetup(ctx, "gateway",
		bootstrap.WithoutDB(),
		bootstrap.WithoutQueue(),
		bootstrap.WithRedis(),
	)
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	transport := &meshruntime.RedisTransport{
		Client:       components.Redis,
		ReplyTimeout: cfg.Gateway.ReplyTimeout,
	}

	hub := NewHub(components.Redis, cfg.Gateway.ReconnectWindow, log)
	go hub.Run(ctx)

	subscriber := NewRedisSubscriber(components.Redis, hub, log)
	go func() {
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("gateway subscriber failed", "error", err)
		}
	}()

	// The mesh-facing delivery worker: nodes reach connected clients by
	// calling ClientGateway.DeliverToClient.
	gate := meshguard.NewRegistry()
	registry := meshruntime.NewRegistry()
	deps := meshactor.Deps{
		Transport: transport,
		Gate:      gate,
		Config: meshop.Config{
			MaxDepth:             cfg.Mesh.MaxChainDepth,
			MaxArgs:              cfg.Mesh.MaxApplyArgs,
			RequireMeshDecorator: cfg.Mesh.RequireMeshDecorator,
		},
		Log: log,
	}
	registry.RegisterWorker(ClientGatewayBinding, func() meshruntime.Node {
		g := NewClientGateway(components.Redis, log, deps)
		gate.Mark(g, "DeliverToClient", meshguard.Meta{})
		return g
	})

	meshServer := &meshruntime.RedisServer{
		Client:   components.Redis,
		Registry: registry,
		Binding:  ClientGatewayBinding,
		Group:    "gateway",
		Consumer: "gateway-" + uuid.NewString()[:8],
		Log:      log,
	}
	go func() {
		if err := meshServer.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error("gateway mesh server failed", "error", err)
		}
	}()

	var limiter *ratelimit.RateLimiter
	if cfg.Features.EnableRateLimiting {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}
	validator := validation.NewFrameValidator(cfg.Mesh.MaxChainDepth, cfg.Mesh.MaxApplyArgs)

	server := NewServer(hub, transport, validator, limiter, components.Cache, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/health", server.HandleHealth)

	addr := fmt.Sprintf(":%d", cfg.Service.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
		// WebSocket connections are long-lived; read/write timeouts would
		// kill them. Idle applies to plain HTTP only.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	log.Info("gateway stopped")
}
