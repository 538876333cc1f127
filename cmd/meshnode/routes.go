package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/common/queue"
	"github.com/lyzr/meshcore/common/validation"
	"github.com/lyzr/meshcore/meshenvelope"
	"github.com/lyzr/meshcore/mesherr"
	"github.com/lyzr/meshcore/meshop"
)

// apiIdentity is how calls entering through the HTTP surface appear in the
// mesh.
var apiIdentity = callctx.NodeIdentity{Kind: callctx.KindStateless, BindingName: "meshnode-api"}

// callRequest is the HTTP surface's call shape, mirroring the gateway's
// frame format.
type callRequest struct {
	ID       string                `json:"id"`
	Target   string                `json:"target"`
	Instance string                `json:"instance,omitempty"`
	Chain    meshop.OperationChain `json:"chain"`
	NewChain bool                  `json:"newChain,omitempty"`
}

// RegisterRoutes wires the node's HTTP surface.
func RegisterRoutes(e *echo.Echo, c *Container) {
	validator := validation.NewFrameValidator(
		c.Components.Config.Mesh.MaxChainDepth,
		c.Components.Config.Mesh.MaxApplyArgs,
	)

	e.GET("/health", func(ec echo.Context) error {
		if err := c.Components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return ec.JSON(http.StatusOK, map[string]string{"status": "ok", "service": c.Components.Config.Service.Name})
	})

	e.GET("/debug/actors", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]interface{}{
			"bindings": c.Runtime.Registry.Bindings(),
		})
	})

	e.GET("/debug/metrics", func(ec echo.Context) error {
		if c.Components.Telemetry == nil {
			return ec.JSON(http.StatusOK, map[string]interface{}{})
		}
		return ec.JSON(http.StatusOK, c.Components.Telemetry.Snapshot())
	})

	e.POST("/mesh/call", func(ec echo.Context) error {
		start := time.Now()

		raw, err := io.ReadAll(ec.Request().Body)
		if err != nil {
			return ec.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err := validator.ValidateFrame(raw); err != nil {
			return ec.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		var req callRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return ec.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		target := callctx.NodeIdentity{Kind: callctx.KindStateful, BindingName: req.Target, InstanceName: req.Instance}
		if req.Instance == "" {
			target.Kind = callctx.KindStateless
		}
		env := meshenvelope.BuildEnvelope(nil, apiIdentity, target, req.Chain, req.NewChain)

		resp, err := c.Runtime.Transport.Send(ec.Request().Context(), target, env)
		if err != nil {
			return ec.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}

		if c.Components.Telemetry != nil {
			c.Components.Telemetry.RecordDuration("mesh_call", start)
			if resp.Error != nil {
				if k := resp.Error.Kind; k == mesherr.KindNotMeshCallable || k == mesherr.KindGuardDenied {
					c.Components.Telemetry.GateDenied()
				}
			} else {
				c.Components.Telemetry.ChainExecuted()
			}
		}
		if c.Components.Queue != nil {
			event, _ := json.Marshal(map[string]interface{}{
				"target":   req.Target,
				"instance": req.Instance,
				"ok":       resp.Error == nil,
			})
			_ = c.Components.Queue.Publish(ec.Request().Context(), queue.TopicCalls, req.ID, event)
		}

		return ec.JSON(http.StatusOK, resp)
	})
}
