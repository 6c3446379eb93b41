// Package scheduler implements C7: the agent scheduler / loop manager
// (spec §4.7). Its lifecycle shape — a mutex-guarded running flag, an
// immediate tick followed by a ticker-driven loop, a WaitGroup joined on
// Stop — is grounded on the teacher's
// packages/com.r3e.services.automation Scheduler. The teacher dispatches
// every due job concurrently from one tick; this scheduler instead gives
// each agent its own long-running goroutine (agents don't share a tick
// cadence the way cron jobs do) and serializes every call into the
// kernel's executor/resource manager through one shared mutex, so that
// spec §5's "no two tasks may be inside an apply at once" holds even
// though individual agents run concurrently for their own LLM I/O — the
// one suspension point spec §5 explicitly allows outside that mutex.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel/ecology/infrastructure/resilience"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/infrastructure/ratelimit"
	"github.com/agentkernel/ecology/internal/config"
	"github.com/agentkernel/ecology/internal/executor"
	"github.com/agentkernel/ecology/internal/kernel"
	"github.com/agentkernel/ecology/internal/store"
	"github.com/agentkernel/ecology/pkg/logger"
)

// These mirror the resource ids internal/kernel registers at construction
// (spec §4.2's three closed resources). Not re-exported by internal/kernel
// since they're wire-stable identifiers, not an implementation detail —
// the same reasoning internal/genesis applies to its own artifact ids.
const (
	resourceLlmDollarBudget = "llm_dollar_budget"
	resourceCallBudget      = "call_budget"
)

// historyLimit bounds the per-agent action-history ring buffer (spec
// §4.7 step 6: "bounded ring buffer per agent").
const historyLimit = 50

// LoopState is one of the per-agent loop states spec §4.7 names.
type LoopState string

const (
	StateIdle     LoopState = "idle"
	StateThinking LoopState = "thinking"
	StateActing   LoopState = "acting"
	StateSleeping LoopState = "sleeping"
	StatePaused   LoopState = "paused"
	StateStopped  LoopState = "stopped"
)

// Message is one entry of the prompt sent to an LlmProvider.
type Message struct {
	Role    string
	Content string
}

// Usage reports token counts and cost for one completion (spec §6.5). Cost
// must be non-negative; providers that cannot price a call must return an
// error rather than a zero-valued Usage, per §6.5's "missing cost is a
// hard error" — a negative Cost is this package's signal that a provider
// violated the contract instead of genuinely pricing a call at $0.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Completion is an LlmProvider's response to one prompt.
type Completion struct {
	Content string
	Usage   Usage
}

// LlmProvider is spec §6.5's contract: complete(messages, model, max_tokens,
// timeout) -> {content, usage}.
type LlmProvider interface {
	Complete(ctx context.Context, messages []Message, model string, maxTokens int, timeout time.Duration) (Completion, error)
}

// MetricsRecorder is the scheduler's local seam for infrastructure/metrics
// (spec-ambient observability, never a scheduler dependency directly). A nil
// MetricsRecorder disables recording entirely.
type MetricsRecorder interface {
	RecordAgentCycle(agentID, outcome string, duration time.Duration)
	SetAgentLoopState(agentID, state string, knownStates []string)
}

var knownLoopStates = []string{
	string(StateIdle), string(StateThinking), string(StateActing),
	string(StateSleeping), string(StatePaused), string(StateStopped),
}

// PreDecisionHook runs before prompt construction each cycle; its output is
// injected into the prompt (spec §4.7 step 3: "injected results of
// pre-decision hooks"). A failing hook is logged and skipped rather than
// failing the cycle.
type PreDecisionHook func(ctx context.Context, k *kernel.Kernel, agentID string) (string, error)

// Tuning holds the ambient knobs spec §4.7 requires but §6.4's closed
// configuration schema has no section for (per-call cost estimate, token
// ceiling, call timeout, poll cadence, smart-death grace). These are Go
// values supplied by the process wiring the scheduler together (cmd/kernel,
// tests), the same way kernel.Deps supplies the clock and event sink rather
// than routing them through config.Config.
type Tuning struct {
	EstimatedCallCostDollars float64
	MaxTokens                int
	PerCallTimeout           time.Duration
	PollInterval             time.Duration
	SmartDeathGrace          time.Duration
	RateLimit                ratelimit.RateLimitConfig
}

// DefaultTuning returns conservative defaults suitable for tests and demos.
func DefaultTuning() Tuning {
	return Tuning{
		EstimatedCallCostDollars: 0.01,
		MaxTokens:                2048,
		PerCallTimeout:           30 * time.Second,
		PollInterval:             200 * time.Millisecond,
		SmartDeathGrace:          5 * time.Minute,
		RateLimit:                ratelimit.DefaultConfig(),
	}
}

// HistoryEntry is one completed action in an agent's bounded history.
type HistoryEntry struct {
	Action    executor.Action
	TargetID  string
	OK        bool
	ErrorCode string
	At        time.Time
}

// StepResult reports the outcome of one AgentLoop.Step call.
type StepResult struct {
	Progressed bool
	Result     executor.ActionResult
	Err        error
}

// AgentLoop drives one agent's idle->thinking->acting->sleeping->idle cycle
// (spec §4.7), plus the paused/stopped supervisor states.
type AgentLoop struct {
	id            string
	cfg           config.AgentConfig
	supervisorCfg config.SupervisorConfig
	tuning        Tuning
	kernel        *kernel.Kernel
	provider      LlmProvider
	hooks         []PreDecisionHook
	limiter       *ratelimit.RateLimiter
	breaker       *resilience.CircuitBreaker
	log           *logger.Logger
	metrics       MetricsRecorder

	// kernelMu is the scheduler's shared mutex (spec §5's single-apply
	// discipline); every AgentLoop in one Scheduler points at the same
	// instance.
	kernelMu *sync.Mutex

	mu                sync.Mutex
	state             LoopState
	consecutiveErrors int
	restartAttempt    int
	restartTimestamps []time.Time
	pausedUntil       time.Time
	smartDead         bool
	zeroSince         time.Time
	history           []HistoryEntry
}

// NewAgentLoop constructs an AgentLoop. kernelMu must be the same mutex
// shared by every other loop in the same Scheduler. metrics may be nil.
func NewAgentLoop(id string, cfg config.AgentConfig, supervisorCfg config.SupervisorConfig, k *kernel.Kernel, provider LlmProvider, tuning Tuning, kernelMu *sync.Mutex, log *logger.Logger, metrics MetricsRecorder) *AgentLoop {
	return &AgentLoop{
		id:            id,
		cfg:           cfg,
		supervisorCfg: supervisorCfg,
		tuning:        tuning,
		kernel:        k,
		provider:      provider,
		limiter:       ratelimit.New(tuning.RateLimit),
		breaker:       resilience.New(resilience.DefaultAgentCBConfig(log, id)),
		log:           log,
		metrics:       metrics,
		kernelMu:      kernelMu,
		state:         StateIdle,
	}
}

// AddHook registers a pre-decision hook, run in registration order.
func (l *AgentLoop) AddHook(h PreDecisionHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// State returns the loop's current state.
func (l *AgentLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns a copy of the bounded action-history ring buffer.
func (l *AgentLoop) History() []HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HistoryEntry, len(l.history))
	copy(out, l.history)
	return out
}

func (l *AgentLoop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.SetAgentLoopState(l.id, string(s), knownLoopStates)
	}
}

// Step runs one cycle. It is safe to call repeatedly from a single
// goroutine per AgentLoop; Step itself serializes its kernel-mutating
// section against every other loop sharing the same kernelMu.
func (l *AgentLoop) Step(ctx context.Context) StepResult {
	start := l.kernel.State().Now()
	result := l.step(ctx)

	if l.metrics != nil {
		outcome := "idle"
		switch {
		case result.Err != nil:
			outcome = "error"
		case result.Progressed:
			outcome = "progressed"
		}
		l.metrics.RecordAgentCycle(l.id, outcome, l.kernel.State().Now().Sub(start))
	}
	return result
}

func (l *AgentLoop) step(ctx context.Context) StepResult {
	l.mu.Lock()
	state := l.state
	smartDead := l.smartDead
	pausedUntil := l.pausedUntil
	l.mu.Unlock()

	now := l.kernel.State().Now()

	if state == StateStopped || smartDead {
		return StepResult{}
	}
	if state == StatePaused {
		if now.Before(pausedUntil) {
			return StepResult{}
		}
		l.setState(StateIdle)
	}

	if l.checkSmartDeath(now) {
		l.log.WithField("agent_id", l.id).Warn("agent loop entered smart death, will not be restarted")
		l.mu.Lock()
		l.smartDead = true
		l.state = StatePaused
		l.mu.Unlock()
		return StepResult{}
	}

	l.setState(StateThinking)

	ok, err := l.kernel.Resources.CanConsume(resourceLlmDollarBudget, l.id, l.tuning.EstimatedCallCostDollars)
	if err != nil {
		return l.handleCycleError(now, err, false)
	}
	if !ok {
		l.setState(StateSleeping)
		return StepResult{}
	}
	ok, err = l.kernel.Resources.CanConsume(resourceCallBudget, l.id, 1)
	if err != nil {
		return l.handleCycleError(now, err, false)
	}
	if !ok {
		l.setState(StateSleeping)
		return StepResult{}
	}

	messages := l.buildMessages(ctx)

	callCtx, cancel := context.WithTimeout(ctx, l.tuning.PerCallTimeout)
	defer cancel()

	if err := l.limiter.Wait(callCtx); err != nil {
		return l.handleCycleError(now, err, errors.Is(callCtx.Err(), context.DeadlineExceeded))
	}

	var completion Completion
	cbErr := l.breaker.Execute(callCtx, func() error {
		var cerr error
		completion, cerr = l.provider.Complete(callCtx, messages, l.cfg.LlmModel, l.tuning.MaxTokens, l.tuning.PerCallTimeout)
		return cerr
	})
	if cbErr != nil {
		return l.handleCycleError(now, cbErr, errors.Is(callCtx.Err(), context.DeadlineExceeded))
	}
	if completion.Usage.Cost < 0 {
		return l.handleCycleError(now, kerrors.SystemError("llm provider returned a negative/omitted usage.cost", nil), false)
	}

	l.setState(StateActing)

	l.kernelMu.Lock()
	result, cycleErr := l.applyCompletion(completion)
	l.kernelMu.Unlock()

	if cycleErr != nil {
		return l.handleCycleError(now, cycleErr, false)
	}

	if _, err := l.kernel.Journal.Emit("thinking", map[string]interface{}{
		"agent_id": l.id,
		"usage": map[string]interface{}{
			"input_tokens":  completion.Usage.InputTokens,
			"output_tokens": completion.Usage.OutputTokens,
			"cost":          completion.Usage.Cost,
		},
		"ok": result.OK,
	}); err != nil {
		return l.handleCycleError(now, err, false)
	}

	l.mu.Lock()
	l.consecutiveErrors = 0
	l.restartAttempt = 0
	l.state = StateIdle
	l.mu.Unlock()

	return StepResult{Progressed: true, Result: result}
}

// applyCompletion debits resources, parses the completion into an
// ActionIntent, executes it, and updates the agent's bounded history and
// working-memory artifact. Called with kernelMu held.
func (l *AgentLoop) applyCompletion(completion Completion) (executor.ActionResult, error) {
	if err := l.kernel.Resources.Consume(resourceLlmDollarBudget, l.id, completion.Usage.Cost); err != nil {
		return executor.ActionResult{}, err
	}
	if err := l.kernel.Resources.Consume(resourceCallBudget, l.id, 1); err != nil {
		return executor.ActionResult{}, err
	}

	intent, perr := ParseActionIntent(l.id, completion.Content)
	var result executor.ActionResult
	if perr != nil {
		result = executor.ActionResult{OK: false, ErrorCode: string(kerrors.ErrCodeTypeMismatch), Message: perr.Error()}
	} else {
		result = l.kernel.Executor.Execute(intent)
	}

	now := l.kernel.State().Now()
	l.recordHistory(intent, result, now)
	l.writeWorkingMemory(now)
	return result, nil
}

// checkSmartDeath reports whether the agent has held zero scrip and zero
// llm_dollar_budget for at least the configured grace period — smart death
// (spec §4.7), which is never restarted.
func (l *AgentLoop) checkSmartDeath(now time.Time) bool {
	scrip := l.kernel.State().Balance(l.id)
	budget, err := l.kernel.State().ResourceBalance(resourceLlmDollarBudget, l.id)
	if err != nil {
		return false
	}
	if scrip > 0 || budget > 0 {
		l.mu.Lock()
		l.zeroSince = time.Time{}
		l.mu.Unlock()
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.zeroSince.IsZero() {
		l.zeroSince = now
		return false
	}
	return now.Sub(l.zeroSince) >= l.tuning.SmartDeathGrace
}

// handleCycleError logs the failure, increments consecutive_errors, and
// either returns to idle or hands off to the supervisor's backoff/restart
// policy once the configured threshold is reached (spec §4.7).
func (l *AgentLoop) handleCycleError(now time.Time, err error, timedOut bool) StepResult {
	eventType := "agent_error"
	if timedOut {
		eventType = "agent_llm_timeout"
	}
	l.kernel.Journal.Emit(eventType, map[string]interface{}{
		"agent_id": l.id,
		"error":    err.Error(),
	})

	l.mu.Lock()
	l.consecutiveErrors++
	errs := l.consecutiveErrors
	l.mu.Unlock()

	if errs >= l.cfg.MaxConsecutiveErrors {
		l.pauseWithBackoff(now)
	} else {
		l.setState(StateIdle)
	}
	return StepResult{Err: err}
}

// pauseWithBackoff is dumb death: runtime errors past the threshold pause
// the loop for initial*multiplier^attempt (capped), restarting with state
// preserved exactly (spec §4.7). A loop that has exceeded
// max_restarts_per_hour gives up entirely rather than backing off forever.
func (l *AgentLoop) pauseWithBackoff(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	kept := l.restartTimestamps[:0]
	for _, t := range l.restartTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.restartTimestamps = append(kept, now)

	if len(l.restartTimestamps) > l.supervisorCfg.MaxRestartsPerHour {
		l.state = StateStopped
		l.log.WithField("agent_id", l.id).Error("agent loop exceeded max_restarts_per_hour, stopping permanently")
		return
	}

	backoff := resilience.NextBackoff(
		time.Duration(l.supervisorCfg.InitialBackoffSeconds*float64(time.Second)),
		time.Duration(l.supervisorCfg.MaxBackoffSeconds*float64(time.Second)),
		l.supervisorCfg.Multiplier,
		l.restartAttempt,
	)
	l.restartAttempt++
	l.pausedUntil = now.Add(backoff)
	l.state = StatePaused
	l.log.WithFields(map[string]interface{}{
		"agent_id": l.id, "backoff": backoff.String(), "attempt": l.restartAttempt,
	}).Warn("agent loop paused for restart backoff")
}

func (l *AgentLoop) recordHistory(intent executor.ActionIntent, result executor.ActionResult, now time.Time) {
	entry := HistoryEntry{Action: intent.Action, TargetID: intent.TargetID, OK: result.OK, ErrorCode: result.ErrorCode, At: now}
	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > historyLimit {
		l.history = l.history[len(l.history)-historyLimit:]
	}
	l.mu.Unlock()
}

// workingMemoryArtifactID is the stable per-agent scratch-memory artifact
// spec §4.7 step 6 names ("write working-memory artifact").
func workingMemoryArtifactID(agentID string) string {
	return "agent_working_memory:" + agentID
}

func (l *AgentLoop) writeWorkingMemory(now time.Time) {
	raw, err := json.Marshal(l.History())
	if err != nil {
		return
	}
	content := string(raw)
	id := workingMemoryArtifactID(l.id)
	if !l.kernel.Store.Exists(id) {
		l.kernel.Store.Create(store.CreateIntent{
			ID: id, Type: "agent_working_memory", CreatedBy: l.id, Content: content,
		}, l.kernel.Journal.EventNumber())
		return
	}
	l.kernel.Store.Write(id, l.id, false, store.WriteIntent{Content: &content}, l.kernel.Journal.EventNumber())
}

// buildMessages assembles the prompt: system prompt, subscribed artifacts
// re-read fresh every cycle (SPEC_FULL.md §C.4's "re-read" semantics), and
// pre-decision hook output (spec §4.7 step 3).
func (l *AgentLoop) buildMessages(ctx context.Context) []Message {
	msgs := []Message{{Role: "system", Content: l.cfg.SystemPrompt}}

	for _, id := range l.cfg.SubscribedArtifacts {
		a, err := l.kernel.State().GetArtifact(id)
		if err != nil {
			continue
		}
		msgs = append(msgs, Message{Role: "user", Content: fmt.Sprintf("artifact %s:\n%s", a.ID, a.Content)})
	}

	l.mu.Lock()
	hooks := append([]PreDecisionHook(nil), l.hooks...)
	l.mu.Unlock()

	for i, hook := range hooks {
		out, err := hook(ctx, l.kernel, l.id)
		if err != nil {
			l.log.WithFields(map[string]interface{}{"agent_id": l.id, "hook": i}).Warn("pre-decision hook failed, skipping")
			continue
		}
		msgs = append(msgs, Message{Role: "user", Content: out})
	}

	return msgs
}

// Scheduler owns one goroutine per registered agent plus the mint auction's
// timer, all serialized against kernel mutation through kernelMu (spec §5).
type Scheduler struct {
	kernel   *kernel.Kernel
	provider LlmProvider
	log      *logger.Logger
	tuning   Tuning
	metrics  MetricsRecorder

	kernelMu sync.Mutex

	mu      sync.Mutex
	loops   map[string]*AgentLoop
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a Scheduler. Agents are registered with AddAgent before
// Start. metrics may be nil.
func New(k *kernel.Kernel, provider LlmProvider, log *logger.Logger, tuning Tuning, metrics MetricsRecorder) *Scheduler {
	return &Scheduler{
		kernel:   k,
		provider: provider,
		log:      log,
		tuning:   tuning,
		metrics:  metrics,
		loops:    make(map[string]*AgentLoop),
	}
}

// AddAgent registers an agent loop. Must be called before Start.
//
// It also ensures id exists as a real principal: its own agent_self_record
// artifact (spec §4.7's "own principal artifact", carrying system_prompt and
// subscribed_artifacts) and the has_standing/ledger/resource rows
// create_principal grants. Without this, a freshly configured agent's first
// step would hit CanConsume(llm_dollar_budget, id) against a nonexistent
// principal and never execute a single action. Idempotent, so re-adding an
// agent already restored from a checkpoint is a no-op.
func (s *Scheduler) AddAgent(id string, cfg config.AgentConfig, supervisorCfg config.SupervisorConfig) *AgentLoop {
	s.ensureAgentPrincipal(id, cfg)

	loop := NewAgentLoop(id, cfg, supervisorCfg, s.kernel, s.provider, s.tuning, &s.kernelMu, s.log, s.metrics)
	s.mu.Lock()
	s.loops[id] = loop
	s.mu.Unlock()
	return loop
}

func (s *Scheduler) ensureAgentPrincipal(id string, cfg config.AgentConfig) {
	if !s.kernel.Store.Exists(id) {
		s.kernel.Store.Create(store.CreateIntent{
			ID:        id,
			Type:      "agent_self_record",
			CreatedBy: id,
			Metadata: map[string]interface{}{
				"system_prompt":        cfg.SystemPrompt,
				"subscribed_artifacts": cfg.SubscribedArtifacts,
			},
		}, s.kernel.Journal.EventNumber())
	}
	if !s.kernel.Ledger.HasPrincipal(id) {
		s.kernel.Actions().CreatePrincipal(id)
	}
}

// Agent returns a registered loop by id.
func (s *Scheduler) Agent(id string) (*AgentLoop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[id]
	return loop, ok
}

// Start launches one goroutine per registered agent plus the mint timer.
// Mirrors the teacher's Scheduler.Start: guards against double-start,
// derives a cancelable context, and tracks every goroutine in a WaitGroup
// for Stop to join on.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	loops := make([]*AgentLoop, 0, len(s.loops))
	for _, loop := range s.loops {
		loops = append(loops, loop)
	}
	s.mu.Unlock()

	for _, loop := range loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runAgentLoop(runCtx, loop)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMintTimer(runCtx)
	}()

	return nil
}

func (s *Scheduler) runAgentLoop(ctx context.Context, loop *AgentLoop) {
	loop.Step(ctx)
	ticker := time.NewTicker(s.tuning.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loop.Step(ctx)
		}
	}
}

// runMintTimer drives the mint auction's periodic resolution, cooperative
// with every agent loop through the same kernelMu (spec §4.7: "the mint
// timer run[s] as a cooperative task on one event loop").
func (s *Scheduler) runMintTimer(ctx context.Context) {
	ticker := time.NewTicker(s.tuning.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.kernelMu.Lock()
			_, resolved, err := s.kernel.Actions().ResolveMint(s.kernel.State().Now())
			s.kernelMu.Unlock()
			if err != nil {
				s.log.WithField("error", err).Error("mint resolution failed")
			} else if resolved {
				s.log.Info("mint auction resolved")
			}
		}
	}
}

// Stop cancels every loop and waits for them to exit, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
