// Command agentd is the agent runtime daemon. It wires the graph store,
// the service registry, the typed bus fabric, the telemetry pipeline,
// the adaptation subsystems, and the task scheduler, then runs until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentfabric/agentfabric/adaptation"
	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/graph"
	"github.com/agentfabric/agentfabric/pkg/logger"
	"github.com/agentfabric/agentfabric/ratelimit"
	"github.com/agentfabric/agentfabric/registry"
	"github.com/agentfabric/agentfabric/scheduler"
	"github.com/agentfabric/agentfabric/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := logger.NewWithLevel(cfg.Logging.Level)
	log.Info("Agent runtime starting", map[string]interface{}{
		"operation": "startup",
		"agent_id":  cfg.AgentID,
	})

	if err := telemetry.Initialize(telemetry.Config{ServiceName: cfg.AgentID}); err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}()

	store, err := graph.Open(cfg.Storage.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	memory := graph.NewLocalMemory(store, cfg.AgentID, log)

	reg := registry.NewServiceRegistry(log)
	reg.RegisterGlobal(core.ServiceTypeMemory, memory, core.PriorityNormal,
		memory.GetCapabilities(), map[string]string{"name": "local_graph_memory"})

	graphTelemetry := graph.NewGraphTelemetry(memory, nil)
	reg.RegisterGlobal(core.ServiceTypeTelemetry, graphTelemetry, core.PriorityNormal,
		graphTelemetry.GetCapabilities(), map[string]string{"name": "graph_telemetry"})

	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL, log)
		if err != nil {
			log.Warn("Redis limiter unavailable, using in-memory fallback", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			defer redisLimiter.Close()
			limiter = redisLimiter
		}
	}

	manager := bus.NewManager(reg, cfg, limiter, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.Error("Bus startup incomplete", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			log.Error("Bus shutdown incomplete", map[string]interface{}{
				"operation": "shutdown",
				"error":     err.Error(),
			})
		}
	}()

	unified := telemetry.NewUnifiedService(memory, cfg.AgentID, log)
	consolidator := telemetry.NewConsolidator(memory, cfg.AgentID, cfg.Telemetry, log)
	monitor := adaptation.NewVarianceMonitor(manager.Memory, manager.Audit, manager.Wise, cfg.AgentID, cfg.Variance, log)
	detector := adaptation.NewPatternDetector(manager.Memory, cfg.AgentID, nil, log)
	feedback := adaptation.NewFeedbackLoop(detector, manager.Memory, cfg.AgentID, cfg.Feedback, log)
	orchestrator := adaptation.NewOrchestrator(monitor, feedback, manager.Memory, manager.Audit, cfg.AgentID, cfg.SelfConfig, cfg.Feedback, log)

	if err := monitor.EnsureBaseline(ctx, &adaptation.IdentitySnapshot{AgentID: cfg.AgentID}); err != nil {
		log.Warn("Baseline freeze failed", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	sched := scheduler.NewScheduler(manager.Memory, &snapshotEmitter{unified: unified, logger: log}, cfg.AgentID, cfg.Scheduler, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler startup failed: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	go backgroundLoops(ctx, cfg, consolidator, orchestrator, log)

	log.Info("Agent runtime ready", map[string]interface{}{
		"operation": "startup",
		"agent_id":  cfg.AgentID,
	})

	<-ctx.Done()
	log.Info("Shutdown signal received", map[string]interface{}{
		"operation": "shutdown",
	})
	return nil
}

// backgroundLoops drives the periodic subsystems: consolidation and the
// adaptation cycle. Intervals come from configuration; both services
// apply their own threshold gates on top.
func backgroundLoops(ctx context.Context, cfg *core.Config, consolidator *telemetry.Consolidator, orchestrator *adaptation.Orchestrator, log core.Logger) {
	consolidation := time.NewTicker(time.Hour)
	adaptationTick := time.NewTicker(cfg.Feedback.AnalysisInterval)
	defer consolidation.Stop()
	defer adaptationTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-consolidation.C:
			if _, err := consolidator.Run(ctx, false); err != nil {
				log.Error("Consolidation pass failed", map[string]interface{}{
					"operation": "consolidation_loop",
					"error":     err.Error(),
				})
			}
		case <-adaptationTick.C:
			if _, err := orchestrator.RunAdaptationCycle(ctx); err != nil {
				log.Error("Adaptation cycle failed", map[string]interface{}{
					"operation": "adaptation_loop",
					"error":     err.Error(),
				})
			}
		}
	}
}

// snapshotEmitter is the default thought sink until a reasoning layer
// adapter is attached: each triggered thought is logged and recorded as
// a system snapshot so scheduled activity shows up in graph memory
type snapshotEmitter struct {
	unified *telemetry.UnifiedService
	logger  core.Logger
}

func (e *snapshotEmitter) EmitThought(ctx context.Context, thought scheduler.TriggeredThought) error {
	e.logger.Info("Scheduled thought triggered", map[string]interface{}{
		"operation":         "emit_thought",
		"scheduled_task_id": thought.ScheduledTaskID,
		"origin_thought_id": thought.OriginThoughtID,
	})
	return e.unified.ProcessSnapshot(ctx, &telemetry.SystemSnapshot{
		ThoughtID: thought.ScheduledTaskID,
		ThoughtSummaries: []telemetry.ThoughtSummary{{
			ThoughtID: thought.ScheduledTaskID,
			Action:    "scheduled_trigger",
			Details: map[string]interface{}{
				"trigger_prompt":    thought.TriggerPrompt,
				"origin_thought_id": thought.OriginThoughtID,
			},
		}},
	})
}
