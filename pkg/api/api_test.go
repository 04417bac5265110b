package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sceneweaver/sceneweaver/pkg/agent"
	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/events"
	"github.com/sceneweaver/sceneweaver/pkg/executor"
	"github.com/sceneweaver/sceneweaver/pkg/llm"
	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/session"
	"github.com/sceneweaver/sceneweaver/pkg/store"
	"github.com/sceneweaver/sceneweaver/pkg/workflow"
)

// cannedClient returns parseable output for every role.
type cannedClient struct{}

func (cannedClient) Complete(_ context.Context, system, _ string, _ []llm.HistoryMessage) (*llm.Completion, error) {
	if strings.Contains(system, "concept artist") {
		return &llm.Completion{Text: "A rooftop garden at night."}, nil
	}
	if strings.Contains(system, "scene reviewer") {
		return &llm.Completion{Text: `{"rating": 10, "should_refine": false}`}, nil
	}
	return &llm.Completion{Text: "```python\npass\n```"}, nil
}

type apiFixture struct {
	server *Server
	ctrl   *session.Controller
	store  *store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	blender := filepath.Join(t.TempDir(), "blender")
	require.NoError(t, os.WriteFile(blender, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := &config.Config{
		BlenderPath:   blender,
		OutputDir:     t.TempDir(),
		MaxIterations: 3,
		HTTPPort:      "0",
		Render:        config.RenderConfig{Engine: "CYCLES", Samples: 8, ResolutionX: 320, ResolutionY: 240},
		Executor:      config.ExecutorConfig{MaxProcesses: 2, Timeout: 10 * time.Second, GracePeriod: 100 * time.Millisecond, CaptureLimit: 1 << 20},
		Bus:           config.BusConfig{InboxCapacity: 16},
		Agent: config.AgentConfig{
			StageTimeout:        5 * time.Second,
			RetryInitialBackoff: time.Millisecond,
			RetryMaxBackoff:     5 * time.Millisecond,
			RetryMaxAttempts:    2,
			WorkersPerRole:      1,
		},
		Session: config.SessionConfig{
			StaleThreshold:          30 * time.Minute,
			GracefulShutdownTimeout: 2 * time.Second,
		},
	}

	st, err := store.New(cfg.OutputDir)
	require.NoError(t, err)

	b := bus.New(cfg.Bus.InboxCapacity)
	hub := events.NewHub()
	exec := executor.New(cfg.Executor, cfg.BlenderPath)
	engine := workflow.New(b, st, exec, cfg)
	ctrl := session.NewController(st, engine, b, hub, cfg)

	registry := agent.NewRegistry()
	require.NoError(t, agent.RegisterBuiltins(registry))
	rt := agent.NewRuntime(b, registry, cannedClient{}, ctrl, cfg.Agent)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Wait()
	})
	rt.Start(ctx)

	return &apiFixture{
		server: NewServer(ctrl, rt, hub, st, cfg),
		ctrl:   ctrl,
		store:  st,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sceneweaver", body["service"])
}

func TestGenerateRequiresPrompt(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateAndPoll(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "a rooftop garden"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", body["status"])

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/session/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decode(t, rec)["status"] == "completed"
	}, 10*time.Second, 20*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/session/"+id, nil)
	body = decode(t, rec)
	assert.Equal(t, "a rooftop garden", body["prompt"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
	// Scripts were written, so a download link exists for them.
	urls, ok := body["download_urls"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, urls, "scripts")
}

func TestSessionNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/session/3cd9f8a0-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/session/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsListAndFilter(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "scene one"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["session_id"].(string)

	require.Eventually(t, func() bool {
		sess, err := f.ctrl.Status(id)
		return err == nil && sess.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["total"])

	rec = f.do(t, http.MethodGet, "/sessions?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions?status=daydreaming", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateWithRoles(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{
		"prompt": "a rooftop garden",
		"roles":  []string{"concept", "builder", "render"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["session_id"].(string)

	require.Eventually(t, func() bool {
		sess, err := f.ctrl.Status(id)
		return err == nil && sess.Status == models.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	scripts := f.store.ScriptsDir(id)
	assert.FileExists(t, filepath.Join(scripts, "01_builder_iter1.py"))
	assert.NoFileExists(t, filepath.Join(scripts, "02_texture_iter1.py"))
	assert.NoFileExists(t, filepath.Join(scripts, "02a_lighting_iter1.py"))
}

func TestGenerateRejectsUnknownRole(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{
		"prompt": "a rooftop garden",
		"roles":  []string{"sculptor"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsTotalCountsBeyondLimit(t *testing.T) {
	f := newAPIFixture(t)

	var ids []string
	for _, prompt := range []string{"scene one", "scene two"} {
		rec := f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": prompt})
		require.Equal(t, http.StatusAccepted, rec.Code)
		ids = append(ids, decode(t, rec)["session_id"].(string))
	}
	for _, id := range ids {
		require.Eventually(t, func() bool {
			sess, err := f.ctrl.Status(id)
			return err == nil && sess.Status.Terminal()
		}, 10*time.Second, 20*time.Millisecond)
	}

	rec := f.do(t, http.MethodGet, "/sessions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"], "total counts every match, not the page")
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestDownloadEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "scene"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["session_id"].(string)

	require.Eventually(t, func() bool {
		sess, err := f.ctrl.Status(id)
		return err == nil && sess.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	// The stub Blender writes no artifacts, so blend and render 404.
	rec = f.do(t, http.MethodGet, "/download/"+id+"/blend", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Simulate artifacts and fetch them.
	require.NoError(t, os.WriteFile(f.store.BlendPath(id), []byte("BLENDER-v404"), 0o644))
	require.NoError(t, os.WriteFile(f.store.RenderPath(id, 1), []byte("png-bytes"), 0o644))

	rec = f.do(t, http.MethodGet, "/download/"+id+"/blend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BLENDER-v404", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/download/"+id+"/render", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/download/"+id+"/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, "/download/"+id+"/screenplay", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/session/00000000-0000-0000-0000-000000000000/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "scene"})
	id := decode(t, rec)["session_id"].(string)

	rec = f.do(t, http.MethodPost, "/session/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAgentStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/system/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	workers, ok := body["workers"].([]any)
	require.True(t, ok)
	assert.Len(t, workers, 8)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSessionViewDownloadFlags(t *testing.T) {
	f := newAPIFixture(t)

	sess := &models.Session{ID: "test"}
	view := f.server.sessionView(sess)
	assert.False(t, view.DownloadAvailable.Blend)
	assert.Nil(t, view.DownloadURLs)
}
