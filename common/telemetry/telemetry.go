package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/lyzr/meshcore/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string

	chainsExecuted atomic.Int64
	gateDenials    atomic.Int64
	timeoutsFired  atomic.Int64
	alarmsClaimed  atomic.Int64
}

// New creates telemetry components
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf("localhost:%d", metricsPort),
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	// Start pprof server
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent records a telemetry event
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}

// ChainExecuted counts one completed chain execution.
func (t *Telemetry) ChainExecuted() { t.chainsExecuted.Add(1) }

// GateDenied counts one mesh-gate or guard denial.
func (t *Telemetry) GateDenied() { t.gateDenials.Add(1) }

// TimeoutFired counts one alarm backstop that won its race.
func (t *Telemetry) TimeoutFired() { t.timeoutsFired.Add(1) }

// AlarmClaimed counts one alarm cancelled ahead of its fire.
func (t *Telemetry) AlarmClaimed() { t.alarmsClaimed.Add(1) }

// Snapshot returns current counter values for debug endpoints.
func (t *Telemetry) Snapshot() map[string]int64 {
	return map[string]int64{
		"chains_executed": t.chainsExecuted.Load(),
		"gate_denials":    t.gateDenials.Load(),
		"timeouts_fired":  t.timeoutsFired.Load(),
		"alarms_claimed":  t.alarmsClaimed.Load(),
	}
}
