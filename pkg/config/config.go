// Package config loads and validates the process configuration from
// environment variables. A missing required variable or an unreachable
// Blender binary is a startup failure; nothing else is.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object used throughout the process.
type Config struct {
	// BlenderPath is the Blender binary executed for combined scripts.
	BlenderPath string

	// OutputDir is the artifact root; one subdirectory per session.
	OutputDir string

	// MaxIterations caps reviewer-driven refinement passes.
	MaxIterations int

	// ReviewerEnabled gates the reviewer stage.
	ReviewerEnabled bool

	Render    RenderConfig
	Animation AnimationConfig
	Executor  ExecutorConfig
	Bus       BusConfig
	Agent     AgentConfig
	Session   SessionConfig

	// HTTPPort is the API listen port (serve mode only).
	HTTPPort string

	// LLM provider settings for the default Completion implementation.
	LLM LLMConfig
}

// RenderConfig holds values injected into the combined script's bootstrap
// header.
type RenderConfig struct {
	Engine      string
	Samples     int
	ResolutionX int
	ResolutionY int
}

// AnimationConfig gates and parameterizes the animation stage.
type AnimationConfig struct {
	Enabled bool
	Frames  int
	FPS     int
}

// ExecutorConfig bounds Blender subprocess execution.
type ExecutorConfig struct {
	// MaxProcesses is the concurrent subprocess ceiling (semaphore size).
	MaxProcesses int64
	// Timeout is the per-iteration wall-clock limit for a combined script.
	Timeout time.Duration
	// GracePeriod is how long after SIGTERM to wait before SIGKILL.
	GracePeriod time.Duration
	// CaptureLimit caps captured bytes per stream.
	CaptureLimit int64
}

// BusConfig bounds message routing.
type BusConfig struct {
	// InboxCapacity is the bounded size of each role's inbox.
	InboxCapacity int
}

// AgentConfig bounds agent task execution.
type AgentConfig struct {
	// StageTimeout is the default deadline for one agent stage.
	StageTimeout time.Duration
	// RetryInitialBackoff is the first sleep after a rate-limit error.
	RetryInitialBackoff time.Duration
	// RetryMaxBackoff caps the exponential backoff sleep.
	RetryMaxBackoff time.Duration
	// RetryMaxAttempts bounds rate-limit retries per task.
	RetryMaxAttempts int
	// WorkersPerRole is the worker pool size per registered role.
	WorkersPerRole int
}

// SessionConfig bounds session lifecycle handling.
type SessionConfig struct {
	// StaleThreshold is the age beyond which an incomplete session directory
	// is recovered as failed.
	StaleThreshold time.Duration
	// GracefulShutdownTimeout is the max wait for active sessions on shutdown.
	GracefulShutdownTimeout time.Duration
}

// LLMConfig configures the default OpenAI-compatible Completion client.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// TokensPerMinute is the token-bucket budget in front of the provider.
	TokensPerMinute int
}

// Built-in defaults for everything not set through the environment.
const (
	DefaultOutputDir         = "./output"
	DefaultMaxIterations     = 3
	DefaultHTTPPort          = "8080"
	DefaultRenderEngine      = "CYCLES"
	DefaultRenderSamples     = 64
	DefaultRenderResolutionX = 1920
	DefaultRenderResolutionY = 1080
	DefaultAnimationFrames   = 120
	DefaultAnimationFPS      = 24

	DefaultExecutorMaxProcesses = 2
	DefaultExecutorTimeout      = 10 * time.Minute
	DefaultExecutorGracePeriod  = 5 * time.Second
	DefaultExecutorCaptureLimit = 16 << 20 // 16 MiB per stream

	DefaultInboxCapacity = 64

	DefaultStageTimeout        = 120 * time.Second
	DefaultRetryInitialBackoff = 2 * time.Second
	DefaultRetryMaxBackoff     = 60 * time.Second
	DefaultRetryMaxAttempts    = 5
	DefaultWorkersPerRole      = 1

	DefaultStaleThreshold          = 30 * time.Minute
	DefaultGracefulShutdownTimeout = 30 * time.Second

	DefaultLLMModel           = "gpt-4o"
	DefaultLLMTokensPerMinute = 90000
)

// LoadFromEnv builds a Config from the environment, applying defaults and
// validating required values.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BlenderPath:     os.Getenv("BLENDER_PATH"),
		OutputDir:       getEnv("OUTPUT_DIR", DefaultOutputDir),
		MaxIterations:   DefaultMaxIterations,
		ReviewerEnabled: getEnvBool("REVIEWER_ENABLED", false),
		HTTPPort:        getEnv("HTTP_PORT", DefaultHTTPPort),
		Render: RenderConfig{
			Engine:      getEnv("RENDER_ENGINE", DefaultRenderEngine),
			Samples:     DefaultRenderSamples,
			ResolutionX: DefaultRenderResolutionX,
			ResolutionY: DefaultRenderResolutionY,
		},
		Animation: AnimationConfig{
			Enabled: getEnvBool("ANIMATION_ENABLED", false),
			Frames:  DefaultAnimationFrames,
			FPS:     DefaultAnimationFPS,
		},
		Executor: ExecutorConfig{
			MaxProcesses: DefaultExecutorMaxProcesses,
			Timeout:      DefaultExecutorTimeout,
			GracePeriod:  DefaultExecutorGracePeriod,
			CaptureLimit: DefaultExecutorCaptureLimit,
		},
		Bus: BusConfig{
			InboxCapacity: DefaultInboxCapacity,
		},
		Agent: AgentConfig{
			StageTimeout:        DefaultStageTimeout,
			RetryInitialBackoff: DefaultRetryInitialBackoff,
			RetryMaxBackoff:     DefaultRetryMaxBackoff,
			RetryMaxAttempts:    DefaultRetryMaxAttempts,
			WorkersPerRole:      DefaultWorkersPerRole,
		},
		Session: SessionConfig{
			StaleThreshold:          DefaultStaleThreshold,
			GracefulShutdownTimeout: DefaultGracefulShutdownTimeout,
		},
		LLM: LLMConfig{
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			BaseURL:         os.Getenv("OPENAI_BASE_URL"),
			Model:           getEnv("LLM_MODEL", DefaultLLMModel),
			TokensPerMinute: DefaultLLMTokensPerMinute,
		},
	}

	var err error
	if cfg.MaxIterations, err = getEnvInt("MAX_ITERATIONS", DefaultMaxIterations); err != nil {
		return nil, err
	}
	if cfg.Render.Samples, err = getEnvInt("RENDER_SAMPLES", DefaultRenderSamples); err != nil {
		return nil, err
	}
	if cfg.Render.ResolutionX, err = getEnvInt("RENDER_RESOLUTION_X", DefaultRenderResolutionX); err != nil {
		return nil, err
	}
	if cfg.Render.ResolutionY, err = getEnvInt("RENDER_RESOLUTION_Y", DefaultRenderResolutionY); err != nil {
		return nil, err
	}
	if cfg.Animation.Frames, err = getEnvInt("ANIMATION_FRAMES", DefaultAnimationFrames); err != nil {
		return nil, err
	}
	if cfg.Animation.FPS, err = getEnvInt("ANIMATION_FPS", DefaultAnimationFPS); err != nil {
		return nil, err
	}
	if v, err := getEnvInt("EXECUTOR_MAX_PROCESSES", DefaultExecutorMaxProcesses); err != nil {
		return nil, err
	} else {
		cfg.Executor.MaxProcesses = int64(v)
	}
	if v := os.Getenv("EXECUTOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: EXECUTOR_TIMEOUT: %v", ErrInvalidValue, err)
		}
		cfg.Executor.Timeout = d
	}
	if cfg.LLM.TokensPerMinute, err = getEnvInt("LLM_TOKENS_PER_MINUTE", DefaultLLMTokensPerMinute); err != nil {
		return nil, err
	}
	if v := os.Getenv("SESSION_STALE_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: SESSION_STALE_THRESHOLD: %v", ErrInvalidValue, err)
		}
		cfg.Session.StaleThreshold = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and structural constraints.
func (c *Config) Validate() error {
	if c.BlenderPath == "" {
		return fmt.Errorf("%w: BLENDER_PATH", ErrMissingRequiredEnv)
	}
	if info, err := os.Stat(c.BlenderPath); err != nil {
		return fmt.Errorf("%w: BLENDER_PATH %q: %v", ErrBlenderUnreachable, c.BlenderPath, err)
	} else if info.IsDir() {
		return fmt.Errorf("%w: BLENDER_PATH %q is a directory", ErrBlenderUnreachable, c.BlenderPath)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: MAX_ITERATIONS must be >= 1", ErrInvalidValue)
	}
	if c.Executor.MaxProcesses < 1 {
		return fmt.Errorf("%w: EXECUTOR_MAX_PROCESSES must be >= 1", ErrInvalidValue)
	}
	if c.Bus.InboxCapacity < 1 {
		return fmt.Errorf("%w: inbox capacity must be >= 1", ErrInvalidValue)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer: %v", ErrInvalidValue, key, err)
	}
	return n, nil
}
