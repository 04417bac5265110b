// Package agent implements the agent runtime: worker pools that receive
// tasks from the message bus, invoke the LLM Completion capability with
// bounded rate-limit retries, parse responses through per-role hooks, and
// publish correlated results. Errors are reified into response messages;
// nothing inside the loop kills a worker.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/llm"
	"github.com/sceneweaver/sceneweaver/pkg/metrics"
	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/scenectx"
)

// ContextResolver resolves a session id to its shared context. Implemented
// by the session controller.
type ContextResolver interface {
	SharedContext(sessionID string) *scenectx.Context
}

// Runtime runs the worker pools for all registered roles.
type Runtime struct {
	bus      *bus.Bus
	registry *Registry
	client   llm.Client
	resolver ContextResolver
	cfg      config.AgentConfig

	mu      sync.Mutex
	workers []*worker
	started bool
	wg      sync.WaitGroup
}

// NewRuntime wires the runtime. The client should already be wrapped with
// rate limiting.
func NewRuntime(b *bus.Bus, registry *Registry, client llm.Client, resolver ContextResolver, cfg config.AgentConfig) *Runtime {
	return &Runtime{bus: b, registry: registry, client: client, resolver: resolver, cfg: cfg}
}

// Start spawns WorkersPerRole workers for every registered role. Safe to
// call once; subsequent calls are no-ops.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		slog.Warn("Agent runtime already started, ignoring duplicate Start call")
		return
	}
	r.started = true

	for _, role := range r.registry.Roles() {
		def, _ := r.registry.Get(role)
		inbox := r.bus.Register(role)
		for i := 0; i < r.cfg.WorkersPerRole; i++ {
			w := &worker{
				id:      fmt.Sprintf("%s-%d", role, i),
				def:     def,
				inbox:   inbox,
				runtime: r,
				stats:   newStatsTracker(fmt.Sprintf("%s-%d", role, i), string(role)),
			}
			r.workers = append(r.workers, w)
			r.wg.Add(1)
			go w.run(ctx)
		}
	}
	slog.Info("Agent runtime started", "roles", len(r.registry.Roles()), "workers_per_role", r.cfg.WorkersPerRole)
}

// Wait blocks until all workers have exited (after their context ends).
func (r *Runtime) Wait() { r.wg.Wait() }

// Stats returns a snapshot of all worker statistics.
func (r *Runtime) Stats() []WorkerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerStats, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.stats.Snapshot())
	}
	return out
}

// worker is one message loop for a role.
type worker struct {
	id      string
	def     *Definition
	inbox   *bus.Inbox
	runtime *Runtime
	stats   *statsTracker
}

func (w *worker) run(ctx context.Context) {
	defer w.runtime.wg.Done()
	log := slog.With("worker_id", w.id, "role", w.def.Role)
	log.Info("Agent worker started")

	for {
		msg, err := w.inbox.Receive(ctx)
		if err != nil {
			log.Info("Agent worker shutting down")
			return
		}
		w.stats.received(msg.ID)

		switch msg.Kind {
		case models.KindRequest:
			w.process(ctx, msg, log)
		case models.KindCancel:
			// The cancellation registry already cancelled any in-progress
			// task context; a cancel seen here was for a queued request.
			log.Debug("Discarding cancelled request", "request_id", msg.ReplyTo)
		default:
			log.Warn("Unexpected message kind in inbox", "kind", msg.Kind)
		}
	}
}

// process runs one task end to end. A panic in the task is NACKed to the
// sender and the worker keeps running.
func (w *worker) process(ctx context.Context, msg *models.Message, log *slog.Logger) {
	start := time.Now()

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = w.runtime.cfg.StageTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !w.runtime.bus.BeginTask(msg.ID, cancel) {
		log.Debug("Request cancelled before pickup", "request_id", msg.ID)
		return
	}
	defer w.runtime.bus.EndTask(msg.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Agent worker panic", "request_id", msg.ID, "panic", r)
			w.runtime.bus.Fail(msg.ID, fmt.Errorf("worker panic: %v", r))
			w.stats.finished(false, time.Since(start))
		}
	}()

	result := w.execute(taskCtx, msg)

	// A cancelled task publishes nothing: the requester's handle has
	// already been resolved by the cancel path.
	if taskCtx.Err() != nil && result.Failed() {
		log.Debug("Abandoning task after cancellation", "request_id", msg.ID)
		w.stats.finished(false, time.Since(start))
		return
	}

	result.WallTime = time.Since(start)
	resp := models.NewResponse(msg, map[string]any{"result": result})
	if err := w.runtime.bus.Send(context.Background(), resp); err != nil {
		log.Warn("Failed to publish response", "request_id", msg.ID, "error", err)
	}
	w.stats.finished(!result.Failed(), result.WallTime)
}

// execute builds the prompt, calls the LLM with bounded rate-limit retries,
// and parses the response. All failures come back inside the AgentResult.
func (w *worker) execute(ctx context.Context, msg *models.Message) *models.AgentResult {
	fail := func(err error) *models.AgentResult {
		return &models.AgentResult{Role: w.def.Role, Error: err.Error()}
	}

	userPrompt, err := w.buildUserPrompt(msg)
	if err != nil {
		return fail(err)
	}

	raw, usage, err := w.completeWithRetry(ctx, msg, userPrompt)
	if err != nil {
		return fail(err)
	}

	result, err := w.def.Parse(raw, msg.Payload)
	if err != nil {
		return fail(&AgentError{Kind: KindParse, Role: string(w.def.Role), Err: err})
	}
	result.Usage = usage
	return result
}

// buildUserPrompt combines the payload's task instructions with the shared
// context slice the payload names.
func (w *worker) buildUserPrompt(msg *models.Message) (string, error) {
	instructions, _ := msg.Payload["instructions"].(string)
	if instructions == "" {
		return "", fmt.Errorf("task payload missing instructions")
	}

	sessionID, _ := msg.Payload["session_id"].(string)
	prefixes, _ := msg.Payload["context_keys"].([]string)
	if sessionID == "" || len(prefixes) == 0 || w.runtime.resolver == nil {
		return instructions, nil
	}

	shared := w.runtime.resolver.SharedContext(sessionID)
	if shared == nil {
		return instructions, nil
	}

	slice := make(map[string]map[string]any)
	for _, p := range prefixes {
		for k, v := range shared.SnapshotPrefix(p) {
			slice[k] = v
		}
	}
	if len(slice) == 0 {
		return instructions, nil
	}

	encoded, err := json.MarshalIndent(slice, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding shared context slice: %w", err)
	}
	return instructions + "\n\nShared context:\n" + string(encoded), nil
}

// completeWithRetry invokes the Completion capability, retrying rate-limit
// errors with exponential backoff. A rate_limiting status message is
// published between attempts so the session controller can surface the
// state.
func (w *worker) completeWithRetry(ctx context.Context, msg *models.Message, userPrompt string) (string, models.TokenUsage, error) {
	cfg := w.runtime.cfg
	backoff := cfg.RetryInitialBackoff

	var history []llm.HistoryMessage
	if h, ok := msg.Payload["history"].([]llm.HistoryMessage); ok {
		history = h
	}

	for attempt := 1; ; attempt++ {
		completion, err := w.runtime.client.Complete(ctx, w.def.SystemPrompt, userPrompt, history)
		if err == nil {
			return completion.Text, models.TokenUsage{
				PromptTokens:     completion.Usage.PromptTokens,
				CompletionTokens: completion.Usage.CompletionTokens,
				TotalTokens:      completion.Usage.TotalTokens,
			}, nil
		}

		if ctx.Err() != nil {
			return "", models.TokenUsage{}, &AgentError{Kind: KindCancelled, Role: string(w.def.Role), Err: ctx.Err()}
		}
		if !llm.IsRateLimited(err) || attempt >= cfg.RetryMaxAttempts {
			return "", models.TokenUsage{}, &AgentError{Kind: KindLLMUnavailable, Role: string(w.def.Role), Err: err}
		}

		metrics.LLMRetries.Inc()
		w.publishRateLimiting(msg, attempt)
		slog.Warn("LLM rate limited, backing off",
			"role", w.def.Role, "attempt", attempt, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", models.TokenUsage{}, &AgentError{Kind: KindCancelled, Role: string(w.def.Role), Err: ctx.Err()}
		}

		backoff *= 2
		if backoff > cfg.RetryMaxBackoff {
			backoff = cfg.RetryMaxBackoff
		}
	}
}

func (w *worker) publishRateLimiting(msg *models.Message, attempt int) {
	sessionID, _ := msg.Payload["session_id"].(string)
	status := models.NewStatus(w.def.Role, map[string]any{
		"kind":       "rate_limiting",
		"session_id": sessionID,
		"attempt":    attempt,
	})
	if err := w.runtime.bus.Send(context.Background(), status); err != nil {
		slog.Warn("Failed to publish rate_limiting status", "role", w.def.Role, "error", err)
	}
}
