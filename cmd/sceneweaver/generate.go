package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/events"
	"github.com/sceneweaver/sceneweaver/pkg/models"
)

func newGenerateCmd() *cobra.Command {
	var roleTags []string
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate one scene and wait for it to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(strings.Join(args, " "), roleTags)
		},
	}
	cmd.Flags().StringSliceVar(&roleTags, "roles", nil,
		"agent roles to enable (default: server configuration)")
	return cmd
}

func runGenerate(prompt string, roleTags []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	roles := make([]models.Role, 0, len(roleTags))
	for _, tag := range roleTags {
		role, err := models.ParseRole(tag)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		roles = append(roles, role)
	}

	app, err := buildApp(cfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.start(ctx); err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	sess, err := app.ctrl.Create(prompt, roles)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	fmt.Println("session:", sess.ID)

	progress, unsubscribe := app.hub.Subscribe(sess.ID)
	defer unsubscribe()
	go func() {
		for e := range progress {
			switch e.Kind {
			case events.KindProgress:
				fmt.Printf("  [%s] %s\n", e.Stage, e.Message)
			case events.KindStatus:
				fmt.Printf("  status: %s\n", e.Status)
			}
		}
	}()

	if err := app.ctrl.Start(ctx, sess.ID); err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			if interrupted {
				// Second signal: stop waiting.
				return &exitError{code: exitInterrupted}
			}
			interrupted = true
			fmt.Fprintln(os.Stderr, "cancelling, press ctrl-c again to force quit")
			_ = app.ctrl.Cancel(sess.ID)
		case <-ticker.C:
			current, err := app.ctrl.Status(sess.ID)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			if !current.Status.Terminal() {
				continue
			}
			return finishGenerate(current, interrupted)
		}
	}
}

func finishGenerate(sess *models.Session, interrupted bool) error {
	switch sess.Status {
	case models.StatusCompleted:
		fmt.Println("completed:", sess.Result.OutputPath)
		fmt.Printf("iterations: %d, render time: %.1fs\n",
			sess.Result.Iterations, sess.Result.RenderTime)
		return nil
	case models.StatusCancelled:
		fmt.Println("cancelled")
		if interrupted {
			return &exitError{code: exitInterrupted}
		}
		return &exitError{code: exitFailure}
	default:
		msg := "generation failed"
		if sess.Result != nil && sess.Result.Error != "" {
			msg = sess.Result.Error
		}
		return &exitError{code: exitFailure, err: fmt.Errorf("%s", msg)}
	}
}
