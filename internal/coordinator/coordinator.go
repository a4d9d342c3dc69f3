// Package coordinator implements the C6 single-threaded cooperative tick
// loop: reap dead/stale agents, compute ready tasks, and spawn executor
// processes up to a configured concurrency cap.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/workgraph/workgraph/internal/analyser"
	"github.com/workgraph/workgraph/internal/config"
	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/mutate"
	"github.com/workgraph/workgraph/internal/oplog"
	"github.com/workgraph/workgraph/internal/registry"
	"github.com/workgraph/workgraph/internal/wglock"
)

// processExitWaitTime bounds how long superviseProcessLifetime waits for a
// SIGTERM'd child before escalating to SIGKILL.
const processExitWaitTime = 2 * time.Second

// Coordinator holds the tick loop's configuration: the working directory,
// resolved thresholds, and the executor command to spawn on ready tasks.
type Coordinator struct {
	Dir      string
	Cfg      config.Config
	Executor string
	Engine   *mutate.Engine
}

// New returns a Coordinator that spawns executor as the task runner.
func New(dir string, cfg config.Config, executor string) *Coordinator {
	return &Coordinator{Dir: dir, Cfg: cfg, Executor: executor, Engine: mutate.New(dir, cfg)}
}

// TickReport summarizes one tick's actions.
type TickReport struct {
	AliveBefore int
	AtCapacity  bool
	Spawned     []string
	Reaped      []string
}

// Tick runs exactly one coordinator iteration:
//  1. load graph and registry
//  2. count alive agents; if at or above the cap, return without spawning or reaping
//  3. compute ready tasks, filtering out any already claimed (claim-race guard)
//  4. spawn executors for ready tasks up to the remaining slot budget
//  5. reap agents whose process is gone or whose heartbeat is stale
func (c *Coordinator) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	g, err := graph.Load(filepath.Join(c.Dir, "graph.jsonl"))
	if err != nil {
		return TickReport{}, err
	}
	r, err := registry.Load(c.Dir)
	if err != nil {
		return TickReport{}, err
	}

	alive := r.CountAlive()
	report := TickReport{AliveBefore: alive}
	if alive >= c.Cfg.CoordinatorMaxAgents {
		report.AtCapacity = true
		return report, nil
	}

	analysis := analyser.Analyse(g)
	ready := analyser.Ready(g, analysis, now)

	var candidates []string
	for _, id := range ready {
		if t := g.GetTask(id); t != nil && t.Assigned == "" {
			candidates = append(candidates, id)
		}
	}

	slots := c.Cfg.CoordinatorMaxAgents - alive
	for i := 0; i < len(candidates) && i < slots; i++ {
		id := candidates[i]
		agentID, err := c.spawn(ctx, id, now)
		if err != nil {
			slog.Default().Warn("spawn failed", "task_id", id, "error", err)
			continue
		}
		report.Spawned = append(report.Spawned, agentID)
	}

	reaped, err := c.reap(ctx, now)
	if err != nil {
		return report, err
	}
	report.Reaped = reaped
	return report, nil
}

// spawn starts the configured executor against task id, registers the
// resulting process, and claims the task on the new agent's behalf so the
// next tick does not re-spawn it.
func (c *Coordinator) spawn(ctx context.Context, taskID string, now time.Time) (string, error) {
	outDir := filepath.Join(c.Dir, "service", "agents")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	outputFile := filepath.Join(outDir, fmt.Sprintf("%s-%d.log", taskID, now.UnixNano()))
	out, err := os.Create(outputFile)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(c.Executor, taskID) //nolint:gosec // executor is operator-configured
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return "", err
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		out.Close()
		close(done)
	}()
	go superviseProcessLifetime(ctx, cmd, done)

	var agentID string
	err = wglock.With(ctx, registry.Path(c.Dir), c.Cfg.LockTimeout(), "registry", func() error {
		r, err := registry.Load(c.Dir)
		if err != nil {
			return err
		}
		entry := r.Register(pid, taskID, c.Executor, outputFile, now)
		agentID = entry.ID
		return registry.Save(r, c.Dir)
	})
	if err != nil {
		return "", err
	}

	if _, err := c.Engine.Claim(ctx, taskID, agentID, now); err != nil {
		return agentID, err
	}

	_ = wglock.With(ctx, oplog.ActivePath(c.Dir), c.Cfg.LockTimeout(), "log", func() error {
		return oplog.Append(c.Dir, models.OperationEntry{
			Timestamp: now, Op: models.OpAgentSpawned, TaskID: taskID, Actor: agentID,
			Detail: map[string]any{"pid": pid, "executor": c.Executor},
		}, c.Cfg.RotationThresholdBytes)
	})

	return agentID, nil
}

// reap flips every alive registry entry whose OS process is gone or whose
// heartbeat has aged past threshold to Dead, returning the reaped ids.
func (c *Coordinator) reap(ctx context.Context, now time.Time) ([]string, error) {
	var reaped []string
	err := wglock.With(ctx, registry.Path(c.Dir), c.Cfg.LockTimeout(), "registry", func() error {
		r, err := registry.Load(c.Dir)
		if err != nil {
			return err
		}
		deadPIDs := make(map[int]bool)
		for _, a := range r.List() {
			if a.IsAlive() && !isProcessAlive(a.PID) {
				deadPIDs[a.PID] = true
			}
		}
		reaped = r.Reap(now, c.Cfg.HeartbeatStale(), deadPIDs)
		if len(reaped) == 0 {
			return nil
		}
		return registry.Save(r, c.Dir)
	})
	if err != nil || len(reaped) == 0 {
		return reaped, err
	}

	var ops []models.OperationEntry
	for _, id := range reaped {
		ops = append(ops, models.OperationEntry{Timestamp: now, Op: models.OpAgentReaped, Actor: id})
	}
	_ = wglock.With(ctx, oplog.ActivePath(c.Dir), c.Cfg.LockTimeout(), "log", func() error {
		for _, op := range ops {
			if err := oplog.Append(c.Dir, op, c.Cfg.RotationThresholdBytes); err != nil {
				return err
			}
		}
		return nil
	})
	return reaped, nil
}

// superviseProcessLifetime escalates a spawned executor from SIGTERM to
// SIGKILL if ctx is cancelled before it exits on its own, after a grace
// period.
func superviseProcessLifetime(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		slog.Default().Warn("SIGTERM failed, escalating to SIGKILL", "error", err)
	}
	select {
	case <-done:
		return
	case <-time.After(processExitWaitTime):
	}
	_ = cmd.Process.Kill()
}

// isProcessAlive reports whether pid refers to a live process, using the
// null-signal probe: ESRCH means gone, EPERM means it exists but is owned by
// someone else, and nil means it's ours and alive.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Run drives the tick loop at the configured interval until ctx is
// cancelled. The loop is interruptible between ticks only; an
// in-flight tick always runs to completion.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.Cfg.CoordinatorInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Default().Info("coordinator starting", "interval", interval, "max_agents", c.Cfg.CoordinatorMaxAgents, "executor", c.Executor)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := c.Tick(ctx, time.Now())
			if err != nil {
				slog.Default().Error("coordinator tick failed", "error", err)
				continue
			}
			if len(report.Spawned) > 0 || len(report.Reaped) > 0 {
				slog.Default().Info("coordinator tick",
					"spawned", len(report.Spawned), "reaped", len(report.Reaped), "at_capacity", report.AtCapacity)
			}
		}
	}
}

// SystemdUnit renders a systemd user-service unit that runs the coordinator
// continuously, the supplemented install-service convenience from
// original_source's coordinator.rs.
func SystemdUnit(workdir, exePath string, interval time.Duration, maxAgents int, executor string) string {
	return fmt.Sprintf(`[Unit]
Description=Workgraph Coordinator
After=network.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s coordinator --interval %d --max-agents %d --executor %s
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`, workdir, exePath, int(interval.Seconds()), maxAgents, executor)
}
