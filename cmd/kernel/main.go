// Package main is a minimal lifecycle demo for the agent-ecology kernel: load
// a config file, restore from the last checkpoint if one exists, boot the
// genesis artifacts, start one agent loop per configured agent plus the mint
// timer, and shut down cleanly on SIGINT/SIGTERM. Its signal-handling shape
// is grounded on the teacher's cmd/indexer entrypoint. It is not a
// deployment tool: no RPC surface, no dashboard, and no real LLM provider —
// all excluded non-goals — so it wires a fixed noop-only provider in their
// place.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentkernel/ecology/infrastructure/metrics"
	"github.com/agentkernel/ecology/infrastructure/state"
	"github.com/agentkernel/ecology/internal/config"
	"github.com/agentkernel/ecology/internal/eventlog"
	"github.com/agentkernel/ecology/internal/genesis"
	"github.com/agentkernel/ecology/internal/kernel"
	"github.com/agentkernel/ecology/internal/scheduler"
	"github.com/agentkernel/ecology/pkg/logger"
)

// eventLogFileName is the NDJSON journal kept alongside each checkpoint
// directory, replayed as the tail beyond the last snapshot during restore.
const eventLogFileName = "events.ndjson"

func main() {
	log := logger.NewDefault("agent-kernel")

	configPath := os.Getenv("KERNEL_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if configPath == "" {
		log.Fatal("usage: kernel <config.json> (or set KERNEL_CONFIG)")
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		log.WithError(err).Fatal("read config")
	}
	cfg, err := config.DecodeStrict(raw)
	if err != nil {
		log.WithError(err).Fatal("decode config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("validate config")
	}

	m := metrics.Init("agent-kernel")
	startMetricsServer(metricsAddr(), log)

	backend, err := state.NewFileBackend(cfg.Checkpoint.Directory)
	if err != nil {
		log.WithError(err).Fatal("open checkpoint backend")
	}
	cpr := eventlog.NewCheckpointer(backend, "kernel", int64(cfg.Checkpoint.IntervalEvents))

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	cp, hasCheckpoint, err := cpr.Load(ctx)
	if err != nil {
		log.WithError(err).Fatal("load checkpoint")
	}

	tail, eventFile := openEventLog(cfg.Checkpoint.Directory, hasCheckpoint, log)
	defer eventFile.Close()

	startEventNumber := int64(0)
	if hasCheckpoint {
		startEventNumber = cp.EventNumber
	}

	k, err := kernel.New(cfg, kernel.Deps{
		EventWriter:      eventFile,
		Now:              time.Now,
		Logger:           log.Logger,
		StartEventNumber: startEventNumber,
		Metrics:          m,
	})
	if err != nil {
		log.WithError(err).Fatal("construct kernel")
	}

	if hasCheckpoint {
		if err := k.Restore(cfg, cp, tail); err != nil {
			log.WithError(err).Fatal("restore kernel")
		}
		log.WithField("event_number", cp.EventNumber).Info("restored from checkpoint")
	}

	if err := genesis.Bootstrap(k); err != nil {
		log.WithError(err).Fatal("bootstrap genesis artifacts")
	}

	sched := scheduler.New(k, noopProvider{}, log, scheduler.DefaultTuning(), m)
	for id, agentCfg := range cfg.Agents {
		sched.AddAgent(id, agentCfg, cfg.Supervisor)
	}

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}
	log.WithField("agents", len(cfg.Agents)).Info("kernel running")

	go runCheckpointLoop(ctx, k, cpr, startEventNumber, log)

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.WithError(err).Error("scheduler stop")
	}
	if err := k.SaveCheckpoint(stopCtx, cpr, json.RawMessage("null")); err != nil {
		log.WithError(err).Error("final checkpoint")
	}
}

func metricsAddr() string {
	if addr := os.Getenv("KERNEL_METRICS_ADDR"); addr != "" {
		return addr
	}
	return ":9090"
}

func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
}

// openEventLog replays the journal tail beyond the loaded checkpoint (if
// any), then reopens the same file for append so every subsequent Emit
// continues the same NDJSON stream.
func openEventLog(dir string, hasCheckpoint bool, log *logger.Logger) ([]eventlog.Event, *os.File) {
	path := dir + string(os.PathSeparator) + eventLogFileName

	var tail []eventlog.Event
	if hasCheckpoint {
		if existing, err := os.Open(path); err == nil {
			var readErr error
			tail, readErr = eventlog.ReadEvents(existing)
			existing.Close()
			if readErr != nil {
				log.WithError(readErr).Fatal("read event log tail")
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.WithError(err).Fatal("open event log")
	}
	return tail, f
}

// runCheckpointLoop polls the journal's event number against the
// checkpointer's configured interval, mirroring how the scheduler's own
// timers poll rather than block on a per-event channel.
func runCheckpointLoop(ctx context.Context, k *kernel.Kernel, cpr *eventlog.Checkpointer, lastCheckpointed int64, log *logger.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := lastCheckpointed
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := k.Journal.EventNumber()
			if !cpr.ShouldCheckpoint(current - last) {
				continue
			}
			if err := k.SaveCheckpoint(ctx, cpr, json.RawMessage("null")); err != nil {
				log.WithError(err).Error("periodic checkpoint failed")
				continue
			}
			last = current
		}
	}
}

// noopProvider is a fixed stand-in for spec's explicitly excluded "real LLM
// provider" non-goal: every agent cycle proposes noop, which costs nothing
// and keeps the loop alive to exercise the scheduler's own machinery
// (budget gates, supervisor, mint timer, checkpointing) without a model
// behind it.
type noopProvider struct{}

func (noopProvider) Complete(_ context.Context, _ []scheduler.Message, _ string, _ int, _ time.Duration) (scheduler.Completion, error) {
	return scheduler.Completion{
		Content: `{"action_type":"noop"}`,
		Usage:   scheduler.Usage{Cost: 0},
	}, nil
}
