// sceneweaver generates Blender scenes from natural-language prompts with a
// team of LLM agents. It runs either as an HTTP service (serve) or as a
// one-shot CLI (generate).
//
// Exit codes: 0 success, 1 configuration error, 2 execution failure,
// 130 interrupted.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sceneweaver/sceneweaver/pkg/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitFailure     = 2
	exitInterrupted = 130
)

// exitError carries a process exit code up from a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	setupLogging()

	root := &cobra.Command{
		Use:           version.AppName,
		Short:         "Multi-agent Blender scene generation",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newGenerateCmd())

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "error:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFailure)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
