// Package poller implements the Job Poller (spec §4.8): it long-polls the
// platform API for jobs assigned to this host's runner group and submits
// each claim to an Executor, bounding concurrency via asynq rather than a
// hand-rolled semaphore (SPEC_FULL.md §6.8).
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/platform"
)

const runJobTaskType = "vm0core:run_job"

// Executor is the subset of executor.Executor the poller depends on.
type Executor interface {
	Run(ctx context.Context, ec *execctx.ExecutionContext) execctx.Result
}

// Config configures the poller's claim loop and dispatch pool.
type Config struct {
	RunnerGroup      string
	SandboxBearer    string
	MaxConcurrentVMs int
	PollInterval     time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// Poller long-polls the platform for jobs and dispatches them through a
// bounded-concurrency asynq queue.
type Poller struct {
	cfg      Config
	platform *platform.Client
	executor Executor
	log      logging.Logger

	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
}

// New builds a Poller. Call Run to start both the claim loop and the
// asynq worker pool; Run blocks until ctx is cancelled.
func New(cfg Config, plat *platform.Client, exec Executor, log logging.Logger) *Poller {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	p := &Poller{
		cfg:      cfg,
		platform: plat,
		executor: exec,
		log:      log,
		client:   asynq.NewClient(redisOpt),
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.MaxConcurrentVMs,
			Queues:      map[string]int{"default": 1},
		}),
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
	}
	p.mux.HandleFunc(runJobTaskType, p.handleTask)
	return p
}

// Run starts the asynq worker pool and the long-poll claim loop, blocking
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.server.Run(p.mux) }()

	p.claimLoop(ctx)

	p.server.Shutdown()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// claimLoop repeatedly claims the next job and enqueues it, backing off
// both when the platform has nothing to offer and when the local queue is
// already at capacity (spec §4.8: "when the pool is saturated the poller
// stops claiming").
func (p *Poller) claimLoop(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.queueSaturated() {
			p.sleep(ctx, interval)
			continue
		}

		ec, err := p.platform.Claim(ctx, p.cfg.SandboxBearer, p.cfg.RunnerGroup)
		if err != nil {
			p.log.Warn(ctx, "claim failed", logging.Fields{"error": err.Error()})
			p.sleep(ctx, interval)
			continue
		}
		if ec == nil {
			p.sleep(ctx, interval)
			continue
		}

		if err := p.enqueue(ctx, ec); err != nil {
			p.log.Warn(ctx, "enqueue claimed job failed, nacking", logging.Fields{"runId": ec.RunID, "error": err.Error()})
			p.nack(ctx, ec)
		}
	}
}

// queueSaturated reports whether the default queue already has
// MaxConcurrentVMs tasks actively running. Inspector failures are treated
// as "not saturated" so a transient Redis hiccup doesn't stall claiming
// entirely; the asynq server's own Concurrency cap is the hard backstop.
func (p *Poller) queueSaturated() bool {
	info, err := p.inspector.GetQueueInfo("default")
	if err != nil {
		return false
	}
	return info.Active >= p.cfg.MaxConcurrentVMs
}

func (p *Poller) enqueue(ctx context.Context, ec *execctx.ExecutionContext) error {
	payload, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	task := asynq.NewTask(runJobTaskType, payload)
	_, err = p.client.EnqueueContext(ctx, task)
	return err
}

func (p *Poller) handleTask(ctx context.Context, task *asynq.Task) error {
	var ec execctx.ExecutionContext
	if err := json.Unmarshal(task.Payload(), &ec); err != nil {
		return fmt.Errorf("unmarshal execution context: %w", err)
	}

	result := p.executor.Run(ctx, &ec)

	if _, err := p.platform.ReportCompletion(ctx, ec.SandboxToken, platform.CompleteRequest{
		RunID: ec.RunID, ExitCode: result.ExitCode, Error: result.Error,
	}); err != nil {
		p.log.Warn(ctx, "report completion failed", logging.Fields{"runId": ec.RunID, "error": err.Error()})
	}
	return nil
}

// nack reports the claim as unusable so the platform can reassign it to
// another host, per spec §4.8's "on claim failure the job is NACKed".
func (p *Poller) nack(ctx context.Context, ec *execctx.ExecutionContext) {
	if err := p.platform.EmitEvent(ctx, ec.SandboxToken, platform.Event{
		RunID: ec.RunID, Kind: "claim_nacked", Payload: map[string]string{"reason": "local queue enqueue failed"},
	}); err != nil {
		p.log.Warn(ctx, "emit nack event failed", logging.Fields{"runId": ec.RunID, "error": err.Error()})
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
