// Package workflow drives the scene generation pipeline for one session:
// concept, then up to MaxIterations refinement passes of builder, texture
// and lighting in parallel, validator, render and animation, followed by
// script assembly, Blender execution, and an optional reviewer verdict.
// Texture, lighting, validator, animation, and reviewer are optional stages
// gated by the session's role set.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/executor"
	"github.com/sceneweaver/sceneweaver/pkg/metrics"
	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/scenectx"
	"github.com/sceneweaver/sceneweaver/pkg/store"
)

const tracerName = "github.com/sceneweaver/sceneweaver/pkg/workflow"

// engineSender is the sender tag on engine-originated requests. It is not an
// agent role and never has an inbox.
const engineSender = models.Role("workflow")

// ProgressFunc receives stage progress for the session's ordered progress
// list. Called from the engine goroutine; implementations persist and fan
// out to subscribers.
type ProgressFunc func(stage, agent, message string)

// Engine runs the stage pipeline over the message bus.
type Engine struct {
	bus   *bus.Bus
	store *store.Store
	exec  *executor.Executor
	cfg   *config.Config
}

// New wires an Engine.
func New(b *bus.Bus, st *store.Store, exec *executor.Executor, cfg *config.Config) *Engine {
	return &Engine{bus: b, store: st, exec: exec, cfg: cfg}
}

// iterationOutcome is the result of one refinement pass. A Blender failure
// is carried in execErr, not returned as an error: whether it fails the
// session depends on whether a reviewer follows.
type iterationOutcome struct {
	exec    *executor.Result
	execErr error
}

// enabledRoles resolves the session's role set into a lookup. Concept,
// builder, and render are mandatory pipeline nodes and always present. A
// session without an explicit role set gets the configuration defaults.
func (e *Engine) enabledRoles(sess *models.Session) map[models.Role]bool {
	enabled := map[models.Role]bool{
		models.RoleConcept: true,
		models.RoleBuilder: true,
		models.RoleRender:  true,
	}
	if len(sess.Roles) > 0 {
		for _, r := range sess.Roles {
			enabled[r] = true
		}
		return enabled
	}
	enabled[models.RoleTexture] = true
	enabled[models.RoleLighting] = true
	enabled[models.RoleValidator] = true
	if e.cfg.Animation.Enabled {
		enabled[models.RoleAnimation] = true
	}
	if e.cfg.ReviewerEnabled {
		enabled[models.RoleReviewer] = true
	}
	return enabled
}

// Run executes the full pipeline for a session. The returned result reifies
// pipeline failures; a non-nil error is returned only when ctx was cancelled
// (the session is then marked cancelled, not failed).
func (e *Engine) Run(ctx context.Context, sess *models.Session, shared *scenectx.Context, progress ProgressFunc) (*models.SessionResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	log := slog.With("session_id", sess.ID)
	if progress == nil {
		progress = func(string, string, string) {}
	}
	enabled := e.enabledRoles(sess)

	if _, err := e.store.OpenSession(sess.ID); err != nil {
		return failure(0, fmt.Errorf("opening session directory: %w", err)), nil
	}

	// Concept runs once; refinement iterations restart from the builder.
	concept, err := e.runStage(ctx, sess, models.RoleConcept,
		conceptInstructions(sess.Prompt), nil, 1, progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failure(0, err), nil
	}
	if _, err := e.store.WriteConcept(sess.ID, []byte(concept.Fragment)); err != nil {
		return failure(0, err), nil
	}
	putHints(shared, models.RoleConcept, concept.Hints)

	var (
		feedback       string
		totalRenderSec float64
	)
	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		log.Info("Starting iteration", "iteration", iter, "max", e.cfg.MaxIterations)

		outcome, err := e.runIteration(ctx, sess, shared, enabled, iter, feedback, progress)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.SessionsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
			return failure(iter, err), nil
		}
		if outcome.exec != nil {
			totalRenderSec += outcome.exec.WallTime.Seconds()
		}

		if outcome.execErr != nil {
			// A Blender failure is fatal only when no reviewer can send the
			// session back for another pass.
			if !enabled[models.RoleReviewer] {
				metrics.SessionsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
				return failure(iter, outcome.execErr), nil
			}
			refine, rerr := e.reviewAfterFailure(ctx, sess, iter, outcome, progress)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if rerr != nil {
				log.Warn("Reviewer unavailable after blender failure",
					"iteration", iter, "error", rerr)
			}
			if refine && iter < e.cfg.MaxIterations {
				feedback = fmt.Sprintf("blender execution failed: %s", outcome.execErr)
				log.Info("Refining after blender failure", "iteration", iter)
				continue
			}
			metrics.SessionsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
			return failure(iter, outcome.execErr), nil
		}

		accept := true
		if enabled[models.RoleReviewer] {
			review, err := e.consultReviewer(ctx, sess, iter, tail(outcome.exec.Stdout, 2000), progress)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// A reviewer failure never discards a finished scene.
				log.Warn("Reviewer unavailable, accepting iteration", "iteration", iter, "error", err)
			} else {
				progress("reviewer", string(models.RoleReviewer),
					fmt.Sprintf("rating %d, refine=%t", review.Rating, review.ShouldRefine))
				if review.WantsRefinement() && iter < e.cfg.MaxIterations {
					accept = false
					feedback = review.Feedback
					shared.Put("reviewer", map[string]any{
						"rating":   review.Rating,
						"feedback": review.Feedback,
					})
					log.Info("Reviewer requested refinement",
						"iteration", iter, "rating", review.Rating)
				}
			}
		}

		if accept {
			metrics.SessionsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
			metrics.Iterations.Observe(float64(iter))
			return &models.SessionResult{
				Success:    true,
				OutputPath: e.store.BlendPath(sess.ID),
				Iterations: iter,
				RenderTime: totalRenderSec,
			}, nil
		}
	}

	// Unreachable: the final iteration always accepts.
	return failure(e.cfg.MaxIterations, fmt.Errorf("iteration budget exhausted")), nil
}

// reviewAfterFailure consults the reviewer about a failed Blender run and
// reports whether another pass was requested. The reviewer sees the captured
// stderr instead of render output.
func (e *Engine) reviewAfterFailure(ctx context.Context, sess *models.Session, iter int, outcome *iterationOutcome, progress ProgressFunc) (bool, error) {
	output := ""
	if outcome.exec != nil {
		output = tail(outcome.exec.Stderr, 2000)
	}
	review, err := e.consultReviewer(ctx, sess, iter, output, progress)
	if err != nil {
		return false, err
	}
	progress("reviewer", string(models.RoleReviewer),
		fmt.Sprintf("rating %d after blender failure, refine=%t", review.Rating, review.ShouldRefine))
	return review.WantsRefinement(), nil
}

// runIteration executes one refinement pass: the enabled agent stages,
// script assembly, and the Blender subprocess.
func (e *Engine) runIteration(ctx context.Context, sess *models.Session, shared *scenectx.Context, enabled map[models.Role]bool, iter int, feedback string, progress ProgressFunc) (*iterationOutcome, error) {
	var artifacts []stageArtifact

	record := func(role models.Role, res *models.AgentResult) error {
		data := normalizeFragment(res.Fragment)
		if _, err := e.store.WriteStageScript(sess.ID, role.StageOrdinal(), string(role), iter, data); err != nil {
			return err
		}
		artifacts = append(artifacts, stageArtifact{ordinal: role.StageOrdinal(), role: string(role), data: data})
		putHints(shared, role, res.Hints)
		return nil
	}

	builder, err := e.runStage(ctx, sess, models.RoleBuilder,
		builderInstructions(sess.Prompt, feedback, iter),
		[]string{"concept", "reviewer"}, iter, progress)
	if err != nil {
		return nil, err
	}
	if err := record(models.RoleBuilder, builder); err != nil {
		return nil, err
	}

	// Texture and lighting run concurrently; the pass fails only when every
	// enabled sibling fails.
	type fanResult struct {
		role models.Role
		res  *models.AgentResult
		err  error
	}
	var fanout []models.Role
	for _, role := range []models.Role{models.RoleTexture, models.RoleLighting} {
		if enabled[role] {
			fanout = append(fanout, role)
		}
	}
	if len(fanout) > 0 {
		results := make([]fanResult, len(fanout))
		g, gctx := errgroup.WithContext(ctx)
		for i, role := range fanout {
			i, role := i, role
			g.Go(func() error {
				res, err := e.runStage(gctx, sess, role,
					fanoutInstructions(role, sess.Prompt),
					[]string{"concept", "builder"}, iter, progress)
				results[i] = fanResult{role: role, res: res, err: err}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		succeeded := 0
		for _, r := range results {
			if r.err != nil {
				slog.Warn("Fan-out stage failed, continuing with siblings",
					"session_id", sess.ID, "role", r.role, "error", r.err)
				continue
			}
			if err := record(r.role, r.res); err != nil {
				return nil, err
			}
			succeeded++
		}
		if succeeded == 0 {
			if len(fanout) == 1 {
				return nil, results[0].err
			}
			return nil, fmt.Errorf("texture and lighting both failed: %w", results[0].err)
		}
	}

	if enabled[models.RoleValidator] {
		validator, err := e.runStage(ctx, sess, models.RoleValidator,
			validatorInstructions(),
			[]string{"builder"}, iter, progress)
		if err != nil {
			return nil, err
		}
		if err := record(models.RoleValidator, validator); err != nil {
			return nil, err
		}
	}

	render, err := e.runStage(ctx, sess, models.RoleRender,
		renderInstructions(sess.Prompt),
		[]string{"concept", "builder"}, iter, progress)
	if err != nil {
		return nil, err
	}
	if err := record(models.RoleRender, render); err != nil {
		return nil, err
	}

	if enabled[models.RoleAnimation] {
		animation, err := e.runStage(ctx, sess, models.RoleAnimation,
			animationInstructions(e.cfg.Animation),
			[]string{"builder"}, iter, progress)
		if err != nil {
			return nil, err
		}
		if err := record(models.RoleAnimation, animation); err != nil {
			return nil, err
		}
	}

	// The save trailer is engine-generated and deterministic, but it is a
	// stage artifact like any other so the combined script is always the
	// header plus the ordinal-ordered artifact contents.
	saveData := normalizeFragment(buildSaveFragment(e.store.BlendPath(sess.ID)))
	if _, err := e.store.WriteStageScript(sess.ID, models.SaveStageOrdinal, string(models.RoleSave), iter, saveData); err != nil {
		return nil, err
	}
	artifacts = append(artifacts, stageArtifact{ordinal: models.SaveStageOrdinal, role: string(models.RoleSave), data: saveData})

	header := buildHeader(e.cfg, e.store.RenderPath(sess.ID, iter), enabled[models.RoleAnimation])
	combined := assemble(header, artifacts)
	combinedPath, err := e.store.WriteCombinedScript(sess.ID, iter, combined)
	if err != nil {
		return nil, err
	}

	progress("executor", "", fmt.Sprintf("running Blender for iteration %d", iter))
	start := time.Now()
	execResult, execErr := e.exec.Run(ctx, combinedPath, e.cfg.Executor.Timeout)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if execErr != nil {
		metrics.ExecutorRuns.WithLabelValues("error").Inc()
		metrics.StageDuration.WithLabelValues("executor").Observe(time.Since(start).Seconds())
		e.recordIterationMetadata(sess.ID, iter, execResult)
		progress("executor", "", fmt.Sprintf("blender failed for iteration %d", iter))
		return &iterationOutcome{
			exec:    execResult,
			execErr: fmt.Errorf("blender execution failed: %w", execErr),
		}, nil
	}
	metrics.ExecutorRuns.WithLabelValues("ok").Inc()
	metrics.StageDuration.WithLabelValues("executor").Observe(execResult.WallTime.Seconds())
	e.recordIterationMetadata(sess.ID, iter, execResult)

	progress("executor", "",
		fmt.Sprintf("iteration %d rendered in %.1fs", iter, execResult.WallTime.Seconds()))
	return &iterationOutcome{exec: execResult}, nil
}

// recordIterationMetadata appends the executor outcome to metadata.json.
// Best effort; the record never gates the iteration.
func (e *Engine) recordIterationMetadata(sessionID string, iter int, execResult *executor.Result) {
	if execResult == nil {
		return
	}
	if err := e.store.AppendIterationMetadata(sessionID, map[string]any{
		"iteration":         iter,
		"exit_code":         execResult.ExitCode,
		"wall_time_seconds": execResult.WallTime.Seconds(),
	}); err != nil {
		slog.Warn("Failed to record iteration metadata", "session_id", sessionID, "error", err)
	}
}

// runStage sends one request over the bus and unwraps the agent result.
func (e *Engine) runStage(ctx context.Context, sess *models.Session, role models.Role, instructions string, contextKeys []string, iter int, progress ProgressFunc) (*models.AgentResult, error) {
	progress(string(role), string(role), "stage started")
	start := time.Now()

	payload := map[string]any{
		"session_id":   sess.ID,
		"instructions": instructions,
		"iteration":    iter,
	}
	if len(contextKeys) > 0 {
		payload["context_keys"] = contextKeys
	}

	msg := models.NewRequest(engineSender, role, payload, models.PriorityNormal, e.cfg.Agent.StageTimeout)
	metrics.MessagesRouted.WithLabelValues(string(role)).Inc()

	resp, err := e.bus.Request(ctx, msg)
	metrics.StageDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", role, err)
	}

	result, ok := resp.Payload["result"].(*models.AgentResult)
	if !ok {
		return nil, fmt.Errorf("%s stage: response carries no result", role)
	}
	if result.Failed() {
		return nil, fmt.Errorf("%s stage failed: %s", role, result.Error)
	}
	progress(string(role), string(role), "stage completed")
	return result, nil
}

// consultReviewer asks the reviewer to rate the iteration given the
// executor's captured output.
func (e *Engine) consultReviewer(ctx context.Context, sess *models.Session, iter int, executorOutput string, progress ProgressFunc) (*models.Review, error) {
	result, err := e.runStage(ctx, sess, models.RoleReviewer,
		reviewerInstructions(sess.Prompt, e.store.RenderPath(sess.ID, iter), executorOutput),
		[]string{"concept"}, iter, progress)
	if err != nil {
		return nil, err
	}

	review := &models.Review{}
	if v, ok := result.Hints["rating"].(int); ok {
		review.Rating = v
	} else if v, ok := result.Hints["rating"].(float64); ok {
		review.Rating = int(v)
	} else {
		return nil, fmt.Errorf("reviewer verdict missing rating")
	}
	review.ShouldRefine, _ = result.Hints["should_refine"].(bool)
	review.Feedback, _ = result.Hints["feedback"].(string)
	return review, nil
}

// putHints publishes an agent's structured hints under its role key.
func putHints(shared *scenectx.Context, role models.Role, hints map[string]any) {
	if len(hints) > 0 {
		shared.Put(string(role), hints)
	}
}

func failure(iterations int, err error) *models.SessionResult {
	return &models.SessionResult{
		Success:    false,
		Iterations: iterations,
		Error:      err.Error(),
	}
}

// tail returns the last n bytes of s, trimmed to a line boundary when
// possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	for i := 0; i < len(cut); i++ {
		if cut[i] == '\n' {
			return cut[i+1:]
		}
	}
	return cut
}
