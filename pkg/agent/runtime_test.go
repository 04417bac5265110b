package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/llm"
	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/scenectx"
)

// fakeClient scripts the Completion capability.
type fakeClient struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, system, user string) (string, error)
}

func (f *fakeClient) Complete(_ context.Context, system, user string, _ []llm.HistoryMessage) (*llm.Completion, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	text, err := f.respond(call, system, user)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Text: text, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// staticResolver serves one shared context for every session id.
type staticResolver struct{ ctx *scenectx.Context }

func (r *staticResolver) SharedContext(string) *scenectx.Context { return r.ctx }

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		StageTimeout:        2 * time.Second,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     5 * time.Millisecond,
		RetryMaxAttempts:    3,
		WorkersPerRole:      1,
	}
}

// startRuntime wires a bus plus a single builder worker backed by client.
func startRuntime(t *testing.T, client llm.Client, resolver ContextResolver) *bus.Bus {
	t.Helper()
	b := bus.New(16)
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Definition{
		Role:         models.RoleBuilder,
		SystemPrompt: "build geometry",
		Parse:        ParseCodeFragment(models.RoleBuilder),
	}))

	rt := NewRuntime(b, registry, client, resolver, testAgentConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Wait()
	})
	rt.Start(ctx)
	return b
}

func builderRequest(payload map[string]any) *models.Message {
	return models.NewRequest("workflow", models.RoleBuilder, payload, models.PriorityNormal, 2*time.Second)
}

func requestResult(t *testing.T, b *bus.Bus, msg *models.Message) *models.AgentResult {
	t.Helper()
	resp, err := b.Request(context.Background(), msg)
	require.NoError(t, err)
	result, ok := resp.Payload["result"].(*models.AgentResult)
	require.True(t, ok, "response must carry an AgentResult")
	return result
}

func TestWorkerProcessesRequest(t *testing.T) {
	client := &fakeClient{respond: func(_ int, _, user string) (string, error) {
		return "```python\nbpy.ops.mesh.primitive_cube_add()\n```", nil
	}}
	b := startRuntime(t, client, nil)

	result := requestResult(t, b, builderRequest(map[string]any{
		"instructions": "build a cube",
	}))

	assert.False(t, result.Failed())
	assert.Equal(t, "bpy.ops.mesh.primitive_cube_add()", result.Fragment)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Greater(t, result.WallTime, time.Duration(0))
}

func TestWorkerIncludesSharedContextSlice(t *testing.T) {
	shared := scenectx.New()
	shared.Put("concept", map[string]any{"mood": "stormy"})

	var seenPrompt string
	var mu sync.Mutex
	client := &fakeClient{respond: func(_ int, _, user string) (string, error) {
		mu.Lock()
		seenPrompt = user
		mu.Unlock()
		return "```python\npass\n```", nil
	}}
	b := startRuntime(t, client, &staticResolver{ctx: shared})

	result := requestResult(t, b, builderRequest(map[string]any{
		"instructions": "build the scene",
		"session_id":   "sess-1",
		"context_keys": []string{"concept"},
	}))

	require.False(t, result.Failed())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seenPrompt, "build the scene")
	assert.Contains(t, seenPrompt, "stormy")
}

func TestWorkerRetriesRateLimit(t *testing.T) {
	client := &fakeClient{respond: func(call int, _, _ string) (string, error) {
		if call <= 2 {
			return "", fmt.Errorf("provider: %w", llm.ErrRateLimited)
		}
		return "```python\npass\n```", nil
	}}
	b := startRuntime(t, client, nil)

	var statuses []string
	var mu sync.Mutex
	b.SetStatusHandler(func(m *models.Message) {
		mu.Lock()
		statuses = append(statuses, m.Payload["kind"].(string))
		mu.Unlock()
	})

	result := requestResult(t, b, builderRequest(map[string]any{
		"instructions": "build",
		"session_id":   "sess-1",
	}))

	assert.False(t, result.Failed())
	assert.Equal(t, 3, client.callCount())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rate_limiting", "rate_limiting"}, statuses)
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "", llm.ErrRateLimited
	}}
	b := startRuntime(t, client, nil)

	result := requestResult(t, b, builderRequest(map[string]any{
		"instructions": "build",
	}))

	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "llm_unavailable")
	assert.Equal(t, 3, client.callCount())
}

func TestWorkerReportsParseFailure(t *testing.T) {
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "   ", nil
	}}
	b := startRuntime(t, client, nil)

	result := requestResult(t, b, builderRequest(map[string]any{
		"instructions": "build",
	}))

	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "parse")
}

func TestWorkerReportsMissingInstructions(t *testing.T) {
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "```python\npass\n```", nil
	}}
	b := startRuntime(t, client, nil)

	result := requestResult(t, b, builderRequest(map[string]any{}))
	assert.True(t, result.Failed())
	assert.Equal(t, 0, client.callCount())
}

func TestWorkerSurvivesPanic(t *testing.T) {
	b := bus.New(16)
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Definition{
		Role:         models.RoleBuilder,
		SystemPrompt: "build",
		Parse: func(string, map[string]any) (*models.AgentResult, error) {
			panic("parser bug")
		},
	}))
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "```python\npass\n```", nil
	}}
	rt := NewRuntime(b, registry, client, nil, testAgentConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Wait()
	})
	rt.Start(ctx)

	// The panic is NACKed to the requester.
	_, err := b.Request(context.Background(), builderRequest(map[string]any{"instructions": "x"}))
	require.Error(t, err)
	assert.True(t, bus.IsKind(err, bus.KindWorkerFailed))

	// And the worker keeps serving: a second request is still answered, not
	// left hanging on a dead goroutine.
	_, err = b.Request(context.Background(), builderRequest(map[string]any{"instructions": "x"}))
	require.Error(t, err)
	assert.True(t, bus.IsKind(err, bus.KindWorkerFailed))
}

func TestStatsTrackProcessing(t *testing.T) {
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "```python\npass\n```", nil
	}}

	b := bus.New(16)
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Definition{
		Role:         models.RoleBuilder,
		SystemPrompt: "build",
		Parse:        ParseCodeFragment(models.RoleBuilder),
	}))
	rt := NewRuntime(b, registry, client, nil, testAgentConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Wait()
	})
	rt.Start(ctx)

	_ = requestResult(t, b, builderRequest(map[string]any{"instructions": "x"}))
	_ = requestResult(t, b, builderRequest(map[string]any{"instructions": "y"}))

	stats := rt.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Received)
	assert.Equal(t, 2, stats[0].Completed)
	assert.Equal(t, 0, stats[0].Failed)
	assert.InDelta(t, 1.0, stats[0].SuccessRate, 0.001)
	assert.False(t, stats[0].LastActivity.IsZero())
}

func TestRetryGivesUpOnNonRateLimitError(t *testing.T) {
	client := &fakeClient{respond: func(int, string, string) (string, error) {
		return "", errors.New("connection refused")
	}}
	b := startRuntime(t, client, nil)

	result := requestResult(t, b, builderRequest(map[string]any{"instructions": "x"}))
	assert.True(t, result.Failed())
	assert.Equal(t, 1, client.callCount())
}
