package main

import (
	"context"
	"fmt"

	"github.com/sceneweaver/sceneweaver/pkg/agent"
	"github.com/sceneweaver/sceneweaver/pkg/bus"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/events"
	"github.com/sceneweaver/sceneweaver/pkg/executor"
	"github.com/sceneweaver/sceneweaver/pkg/llm"
	"github.com/sceneweaver/sceneweaver/pkg/session"
	"github.com/sceneweaver/sceneweaver/pkg/store"
	"github.com/sceneweaver/sceneweaver/pkg/workflow"
)

// app is the assembled object graph shared by serve and generate.
type app struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	hub     *events.Hub
	ctrl    *session.Controller
	runtime *agent.Runtime
}

// buildApp wires the full stack from configuration.
func buildApp(cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("initializing artifact store: %w", err)
	}

	b := bus.New(cfg.Bus.InboxCapacity)
	exec := executor.New(cfg.Executor, cfg.BlenderPath)
	hub := events.NewHub()

	engine := workflow.New(b, st, exec, cfg)
	ctrl := session.NewController(st, engine, b, hub, cfg)

	client, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("initializing LLM client: %w", err)
	}
	limited := llm.NewRateLimitedClient(client, cfg.LLM.TokensPerMinute)

	registry := agent.NewRegistry()
	if err := agent.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("registering agents: %w", err)
	}
	runtime := agent.NewRuntime(b, registry, limited, ctrl, cfg.Agent)

	return &app{
		cfg:     cfg,
		store:   st,
		bus:     b,
		hub:     hub,
		ctrl:    ctrl,
		runtime: runtime,
	}, nil
}

// start recovers persisted sessions and spins up the worker pools.
func (a *app) start(ctx context.Context) error {
	if err := a.ctrl.Recover(); err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}
	a.runtime.Start(ctx)
	return nil
}
