package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/meshcore/common/bootstrap"
	"github.com/lyzr/meshcore/meshactor"
	"github.com/lyzr/meshcore/meshguard"
	"github.com/lyzr/meshcore/meshop"
	"github.com/lyzr/meshcore/meshruntime"
	"github.com/lyzr/meshcore/meshruntime/pgstorage"
)

// DocumentBinding is the stateful document actor's binding name.
const DocumentBinding = "Document"

// SpellCheckBinding is the stateless correction worker's binding name.
const SpellCheckBinding = "SpellCheck"

// Container wires the node's actors, workers, and mesh collaborators once
// at startup.
type Container struct {
	Components *bootstrap.Components
	Runtime    *meshruntime.Runtime
	Gate       *meshguard.Registry
	Services   *meshactor.ServiceRegistry
	Deps       meshactor.Deps
	Document   *Document
}

// NewContainer builds and registers every node this process hosts.
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	if components.Mesh == nil {
		return nil, fmt.Errorf("mesh runtime not initialized; bootstrap with WithMeshRuntime")
	}

	c := &Container{
		Components: components,
		Runtime:    components.Mesh,
		Gate:       meshguard.NewRegistry(),
		Services:   meshactor.NewServiceRegistry(),
	}

	c.Services.Register("dictionary", func(node interface{}) (interface{}, error) {
		return NewDictionary(), nil
	})

	cfg := components.Config
	c.Deps = meshactor.Deps{
		Transport: c.Runtime.Transport,
		Gate:      c.Gate,
		Config: meshop.Config{
			MaxDepth:             cfg.Mesh.MaxChainDepth,
			MaxArgs:              cfg.Mesh.MaxApplyArgs,
			RequireMeshDecorator: cfg.Mesh.RequireMeshDecorator,
		},
		Continuations: c.Runtime.Continuations,
		Alarms:        c.Runtime.Alarms,
		Services:      c.Services,
		Log:           components.Logger,
	}

	if err := c.registerDocument(ctx); err != nil {
		return nil, err
	}
	c.registerSpellCheck()

	return c, nil
}

// registerDocument creates the "main" document instance, durable when a
// database is connected.
func (c *Container) registerDocument(ctx context.Context) error {
	const instance = "main"

	deps := c.Deps
	if c.Components.DB != nil {
		if err := pgstorage.EnsureSchema(ctx, c.Components.DB); err != nil {
			return err
		}
		deps.Storage = pgstorage.NewActorKV(c.Components.DB, DocumentBinding, instance)
	} else {
		deps.Storage = meshactor.NewMemoryKV()
	}

	doc := &Document{}
	doc.Configure(doc, deps)
	if err := doc.Lmz().Init(ctx, DocumentBinding, instance); err != nil {
		return err
	}

	// Authenticated clients and internal nodes may update; anonymous
	// clients may not.
	c.Gate.Mark(doc, "Update", meshguard.Meta{Guard: `ctx.originAuth != null || ctx.callChain[0].kind != "Client"`})
	c.Gate.Mark(doc, "Subscribe", meshguard.Meta{})
	c.Gate.Mark(doc, "Unsubscribe", meshguard.Meta{})
	c.Gate.Mark(doc, "GetContent", meshguard.Meta{})
	c.Gate.Mark(doc, "SpellCheckAndUpdate", meshguard.Meta{})

	c.Runtime.Registry.RegisterActor(DocumentBinding, instance, doc)
	c.Document = doc
	return nil
}

func (c *Container) registerSpellCheck() {
	c.Runtime.Registry.RegisterWorker(SpellCheckBinding, func() meshruntime.Node {
		w := &SpellCheck{}
		w.Configure(w, SpellCheckBinding, c.Deps)
		c.Gate.Mark(w, "Check", meshguard.Meta{})
		c.Gate.Mark(w, "Correct", meshguard.Meta{})
		return w
	})
}

// ServeMeshTransport runs the Redis stream consumers and the alarm sweeper
// when this node participates in a multi-process mesh.
func (c *Container) ServeMeshTransport(ctx context.Context) {
	cfg := c.Components.Config
	if !cfg.Features.EnableRedisTransport {
		return
	}
	log := c.Components.Logger
	consumer := cfg.Service.Name + "-" + uuid.NewString()[:8]

	for _, binding := range []string{DocumentBinding, SpellCheckBinding} {
		server := &meshruntime.RedisServer{
			Client:   c.Components.Redis,
			Registry: c.Runtime.Registry,
			Binding:  binding,
			Group:    "meshnode",
			Consumer: consumer,
			Log:      log,
		}
		go func() {
			if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("mesh stream server failed", "binding", server.Binding, "error", err)
			}
		}()
	}

	if cfg.Features.EnableAlarmSweeper {
		sweeper, ok := c.Runtime.Alarms.(*meshruntime.RedisAlarmScheduler)
		if !ok {
			return
		}
		go func() {
			err := sweeper.Sweep(ctx, func(ctx context.Context, id, payload string) {
				if c.Components.Telemetry != nil {
					c.Components.Telemetry.TimeoutFired()
				}
				meshruntime.DeliverClaimedAlarm(ctx, c.Runtime.Transport, log, id, payload)
			})
			if err != nil && ctx.Err() == nil {
				log.Error("alarm sweeper failed", "error", err)
			}
		}()
	}
}
