// Package session owns the session lifecycle: creation, execution over the
// workflow engine, status tracking, cancellation, and startup recovery from
// the artifact store. Status transitions are monotonic and every transition
// is persisted before it is announced.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/events"
	"github.com/sceneweaver/sceneweaver/pkg/metrics"
	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/scenectx"
	"github.com/sceneweaver/sceneweaver/pkg/store"
	"github.com/sceneweaver/sceneweaver/pkg/workflow"
)

// entry is the in-memory record of one session.
type entry struct {
	sess   *models.Session
	shared *scenectx.Context
	cancel context.CancelFunc
}

// Controller manages all sessions in the process.
type Controller struct {
	store  *store.Store
	engine *workflow.Engine
	bus    *bus.Bus
	hub    *events.Hub
	cfg    *config.Config

	mu      sync.Mutex
	entries map[string]*entry

	wg sync.WaitGroup
}

// NewController wires a Controller and installs the bus status handler so
// agent rate_limiting notifications reach the session status.
func NewController(st *store.Store, engine *workflow.Engine, b *bus.Bus, hub *events.Hub, cfg *config.Config) *Controller {
	c := &Controller{
		store:   st,
		engine:  engine,
		bus:     b,
		hub:     hub,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	b.SetStatusHandler(c.handleStatus)
	return c
}

// SharedContext returns the session's shared context, or nil when the
// session is not active. Implements the agent runtime's context resolver.
func (c *Controller) SharedContext(sessionID string) *scenectx.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sessionID]; ok {
		return e.shared
	}
	return nil
}

// Create registers a new pending session and persists its initial state.
// An empty role set selects the configuration defaults; a non-empty one is
// validated and normalized (concept, builder, and render are always in).
func (c *Controller) Create(prompt string, roles []models.Role) (*models.Session, error) {
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	resolved, err := resolveRoles(roles, c.cfg)
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Roles:     resolved,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
		Progress:  []models.ProgressEvent{},
	}

	dir, err := c.store.OpenSession(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	sess.OutputDir = dir

	if err := c.persist(sess); err != nil {
		return nil, err
	}
	if err := c.writeMetadata(sess); err != nil {
		slog.Warn("Failed to write session metadata", "session_id", sess.ID, "error", err)
	}

	c.mu.Lock()
	c.entries[sess.ID] = &entry{sess: sess, shared: scenectx.New()}
	c.mu.Unlock()

	slog.Info("Session created", "session_id", sess.ID)
	return sess.Clone(), nil
}

// Start launches the workflow for a pending session. The run is
// asynchronous; callers observe it through Status and the event hub.
func (c *Controller) Start(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if e.cancel != nil || e.sess.Status != models.StatusPending {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	c.mu.Unlock()

	metrics.ActiveSessions.Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer metrics.ActiveSessions.Dec()
		defer cancel()
		c.run(runCtx, e)
	}()
	return nil
}

// run drives one session to a terminal state.
func (c *Controller) run(ctx context.Context, e *entry) {
	log := slog.With("session_id", e.sess.ID)
	c.transition(e.sess, models.StatusRunning)

	result, err := c.engine.Run(ctx, e.sess, e.shared, func(stage, agent, message string) {
		c.recordProgress(e.sess, stage, agent, message)
	})

	var next models.SessionStatus
	switch {
	case err != nil:
		// Only cancellation surfaces as an error from the engine.
		result = &models.SessionResult{Success: false, Error: "cancelled"}
		next = models.StatusCancelled
	case result.Success:
		next = models.StatusCompleted
	default:
		next = models.StatusFailed
	}

	now := time.Now().UTC()
	c.mu.Lock()
	e.sess.CompletedAt = &now
	e.sess.Result = result
	c.mu.Unlock()
	c.transition(e.sess, next)

	switch next {
	case models.StatusCancelled:
		metrics.SessionsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
		log.Info("Session cancelled")
	case models.StatusCompleted:
		log.Info("Session completed", "iterations", result.Iterations,
			"render_time_s", result.RenderTime)
	default:
		log.Warn("Session failed", "error", result.Error)
	}

	e.shared.Clear()
}

// Cancel requests cancellation of a running session. Cancelling a session
// already in a terminal state is a no-op, not an error.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	terminal := e.sess.Status.Terminal()
	cancel := e.cancel
	c.mu.Unlock()

	if terminal || cancel == nil {
		return nil
	}
	slog.Info("Cancelling session", "session_id", id)
	cancel()
	return nil
}

// Status returns a snapshot of the session, falling back to the state file
// for sessions from earlier process lifetimes.
func (c *Controller) Status(id string) (*models.Session, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		snap := e.sess.Clone()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	return c.loadFromDisk(id)
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status models.SessionStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// List returns sessions newest-first, filtered.
func (c *Controller) List(filter ListFilter) ([]*models.Session, error) {
	byID := make(map[string]*models.Session)

	ids, err := c.store.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if sess, err := c.loadFromDisk(id); err == nil {
			byID[id] = sess
		}
	}

	// In-memory state wins over whatever is on disk.
	c.mu.Lock()
	for id, e := range c.entries {
		byID[id] = e.sess.Clone()
	}
	c.mu.Unlock()

	sessions := make([]*models.Session, 0, len(byID))
	for _, sess := range byID {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && sess.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && sess.CreatedAt.After(filter.Until) {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if filter.Limit > 0 && len(sessions) > filter.Limit {
		sessions = sessions[:filter.Limit]
	}
	return sessions, nil
}

// Recover scans the artifact root at startup and reconciles each session
// directory: artifact evidence outranks the state file, and sessions that
// were mid-flight when the process died are marked failed.
func (c *Controller) Recover() error {
	ids, err := c.store.ListSessions()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, id := range ids {
		sess, err := c.loadFromDisk(id)
		if err != nil {
			slog.Warn("Skipping unreadable session during recovery", "session_id", id, "error", err)
			continue
		}

		recovered := c.store.Recover(id, c.cfg.Session.StaleThreshold, now)
		var next models.SessionStatus
		switch recovered {
		case store.RecoveredCompleted:
			next = models.StatusCompleted
		case store.RecoveredFailed:
			next = models.StatusFailed
		default:
			// The state file is authoritative, except a session that claims
			// to still be in flight cannot be: the process just started.
			if sess == nil || sess.Status.Terminal() {
				continue
			}
			next = models.StatusFailed
		}

		if sess == nil {
			// Artifacts with no state file: synthesize a minimal record.
			sess = &models.Session{
				ID:        id,
				Status:    models.StatusPending,
				CreatedAt: now.UTC(),
				Progress:  []models.ProgressEvent{},
			}
		}
		if sess.Status == next {
			continue
		}
		if !sess.Status.CanTransition(next) {
			continue
		}

		sess.Status = next
		sess.RecoveredFromDisk = true
		if sess.CompletedAt == nil {
			t := now.UTC()
			sess.CompletedAt = &t
		}
		if err := c.persist(sess); err != nil {
			slog.Warn("Failed to persist recovered session", "session_id", id, "error", err)
			continue
		}
		slog.Info("Recovered session from disk", "session_id", id, "status", next)
	}
	return nil
}

// Shutdown waits for active sessions to finish, bounded by the configured
// graceful shutdown timeout, then cancels whatever is left.
func (c *Controller) Shutdown() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(c.cfg.Session.GracefulShutdownTimeout):
	}

	slog.Warn("Graceful shutdown timeout, cancelling active sessions")
	c.mu.Lock()
	for _, e := range c.entries {
		if e.cancel != nil && !e.sess.Status.Terminal() {
			e.cancel()
		}
	}
	c.mu.Unlock()
	<-done
}

// Availability reports which artifacts of a session are downloadable.
func (c *Controller) Availability(id string) store.Availability {
	return c.store.Availability(id)
}

// handleStatus consumes bus status messages. Rate-limit notifications flip
// the session into rate_limiting; the next recorded progress flips it back.
func (c *Controller) handleStatus(msg *models.Message) {
	kind, _ := msg.Payload["kind"].(string)
	if kind != "rate_limiting" {
		return
	}
	sessionID, _ := msg.Payload["session_id"].(string)
	if sessionID == "" {
		return
	}

	c.mu.Lock()
	e, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.transition(e.sess, models.StatusRateLimiting)
}

// recordProgress appends a progress event, persists, and publishes. A
// session sitting in rate_limiting returns to running: progress means the
// backoff ended.
func (c *Controller) recordProgress(sess *models.Session, stage, agent, message string) {
	c.mu.Lock()
	sess.Progress = append(sess.Progress, models.ProgressEvent{
		Stage:     stage,
		Agent:     agent,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	backToRunning := sess.Status == models.StatusRateLimiting
	sess.CurrentStage = stage
	c.mu.Unlock()

	if backToRunning {
		c.transition(sess, models.StatusRunning)
	} else if err := c.persist(sess); err != nil {
		slog.Warn("Failed to persist progress", "session_id", sess.ID, "error", err)
	}

	c.hub.Publish(events.Event{
		Kind:      events.KindProgress,
		SessionID: sess.ID,
		Stage:     stage,
		Agent:     agent,
		Message:   message,
	})
}

// transition moves the session to next if monotonicity allows, persists the
// state, and publishes a status event.
func (c *Controller) transition(sess *models.Session, next models.SessionStatus) {
	c.mu.Lock()
	if !sess.Status.CanTransition(next) {
		c.mu.Unlock()
		slog.Warn("Rejected status transition",
			"session_id", sess.ID, "from", sess.Status, "to", next)
		return
	}
	if sess.Status == next {
		c.mu.Unlock()
		return
	}
	sess.Status = next
	c.mu.Unlock()

	if err := c.persist(sess); err != nil {
		slog.Error("Failed to persist status transition",
			"session_id", sess.ID, "status", next, "error", err)
	}
	c.hub.Publish(events.Event{
		Kind:      events.KindStatus,
		SessionID: sess.ID,
		Status:    string(next),
	})
}

func (c *Controller) persist(sess *models.Session) error {
	c.mu.Lock()
	data, err := sess.MarshalState()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.store.AtomicWriteState(sess.ID, data)
}

func (c *Controller) loadFromDisk(id string) (*models.Session, error) {
	data, err := c.store.LoadState(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	sess, err := models.UnmarshalState(data)
	if err != nil {
		return nil, err
	}
	sess.OutputDir = c.store.SessionDir(id)
	return sess, nil
}

func (c *Controller) writeMetadata(sess *models.Session) error {
	meta := map[string]any{
		"id":         sess.ID,
		"prompt":     sess.Prompt,
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
		"render": map[string]any{
			"engine":       c.cfg.Render.Engine,
			"samples":      c.cfg.Render.Samples,
			"resolution_x": c.cfg.Render.ResolutionX,
			"resolution_y": c.cfg.Render.ResolutionY,
		},
		"animation_enabled": c.cfg.Animation.Enabled,
		"reviewer_enabled":  c.cfg.ReviewerEnabled,
		"max_iterations":    c.cfg.MaxIterations,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	_, err = c.store.WriteMetadata(sess.ID, data)
	return err
}

// activeRoles returns the roles this configuration will exercise.
func activeRoles(cfg *config.Config) []models.Role {
	roles := []models.Role{
		models.RoleConcept, models.RoleBuilder, models.RoleTexture,
		models.RoleLighting, models.RoleValidator, models.RoleRender,
	}
	if cfg.Animation.Enabled {
		roles = append(roles, models.RoleAnimation)
	}
	if cfg.ReviewerEnabled {
		roles = append(roles, models.RoleReviewer)
	}
	return roles
}

// roleOrder fixes the canonical ordering of a session's role list.
var roleOrder = []models.Role{
	models.RoleConcept, models.RoleBuilder, models.RoleTexture,
	models.RoleLighting, models.RoleValidator, models.RoleRender,
	models.RoleAnimation, models.RoleReviewer,
}

// resolveRoles validates a requested role set and normalizes it into
// canonical order. Concept, builder, and render are mandatory pipeline
// stages and are always included. An empty request selects the
// configuration defaults.
func resolveRoles(requested []models.Role, cfg *config.Config) ([]models.Role, error) {
	if len(requested) == 0 {
		return activeRoles(cfg), nil
	}

	enabled := map[models.Role]bool{
		models.RoleConcept: true,
		models.RoleBuilder: true,
		models.RoleRender:  true,
	}
	for _, r := range requested {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, r)
		}
		enabled[r] = true
	}

	roles := make([]models.Role, 0, len(enabled))
	for _, r := range roleOrder {
		if enabled[r] {
			roles = append(roles, r)
		}
	}
	return roles, nil
}
