// Package config loads and merges the coordinator's layered configuration:
// command flags override environment variables, which override the per-repo
// .miyabi.yml, which overrides <home>/config.yml, which overrides built-in
// defaults.
package config

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Config is the fully resolved configuration. All durations are parsed,
// all paths absolute, all defaults applied.
type Config struct {
	// Debug enables verbose diagnostics across every component.
	Debug bool

	// LogFormat selects the log encoder ("text" or "json").
	LogFormat string

	Platform   Platform
	Project    Project
	Workflows  Workflows
	CLI        CLI
	LLM        LLM
	Scheduler  Scheduler
	Supervisor Supervisor
	Worktree   Worktree
	Session    Session
	Telemetry  Telemetry
	Artifacts  Artifacts

	// Paths holds the resolved filesystem locations.
	Paths Paths

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// Platform configures the code-hosting gateway.
type Platform struct {
	// Token authenticates API calls. Usually resolved from credentials.
	Token string
	// BaseURL is the API endpoint.
	BaseURL string
	// DefaultPrivate makes repositories created by tooling private.
	DefaultPrivate bool
}

// Project carries per-repository hints handed to the agents.
type Project struct {
	DefaultLanguage string
	Framework       string
}

// Workflows toggles the supervisor's optional branches.
type Workflows struct {
	AutoLabel  bool
	AutoReview bool
	AutoSync   bool
}

// CLI holds terminal-facing settings.
type CLI struct {
	// Language is the UI locale; the core stays locale-agnostic.
	Language string
	// JSON switches command output to machine-readable envelopes.
	JSON bool
	// AutoYes answers every prompt with its default.
	AutoYes bool
	// Verbose raises the log level to debug.
	Verbose bool
}

// LLM configures the completion backend used by the agents.
type LLM struct {
	APIKey string
	Model  string
}

// Scheduler bounds parallel task-group execution.
type Scheduler struct {
	// MaxConcurrency caps parallel groups. Zero means derive from host
	// capacity at startup.
	MaxConcurrency int
	// MaxRetries is the per-group retry budget.
	MaxRetries int
}

// Supervisor paces the autonomous loop.
type Supervisor struct {
	Interval    time.Duration
	MaxDuration time.Duration
	// Schedule is an optional cron expression replacing Interval.
	Schedule     string
	ScanTodos    bool
	ScanRoot     string
	ScanExcludes []string
}

// Worktree configures checkout isolation.
type Worktree struct {
	BaseDir      string
	BranchPrefix string
	MaxIdleTime  time.Duration
}

// Session bounds agent session lifetimes.
type Session struct {
	Timeout       time.Duration
	MaxConcurrent int
}

// Telemetry wires the event journal, fan-out, and serving endpoints.
type Telemetry struct {
	// JournalDriver is "sqlite" or "postgres"; empty disables the journal.
	JournalDriver string
	JournalDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// ServeAddr exposes /metrics, /events and /status when set.
	ServeAddr string

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	OTLPInsecure bool

	Alerts Alerts
}

// Alerts configures threshold alerting and its notification sinks.
type Alerts struct {
	CPUPercent          float64
	MemoryPercent       float64
	FailureRate         float64
	MinThroughputPerMin float64
	Cooldown            time.Duration

	SlackWebhook   string
	DiscordToken   string
	DiscordChannel string
	TelegramToken  string
	TelegramChatID int64
}

// Artifacts configures agent output persistence and archival.
type Artifacts struct {
	// Dir overrides the default <home>/storage location.
	Dir     string
	Archive Archive
}

// Archive is the optional S3-compatible archival target for cleared
// artifacts.
type Archive struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Paths holds the resolved on-disk layout.
type Paths struct {
	// Home is the application home, <user home>/.miyabi unless overridden.
	Home string
	// ConfigFilesUsed lists the files that contributed, lowest layer first.
	ConfigFilesUsed []string
	// CredentialsFile is the 0600 token store under Home.
	CredentialsFile string
	// ArtifactsDir is where agent outputs are persisted.
	ArtifactsDir string
	// JournalFile is the default sqlite journal location.
	JournalFile string
	// LogsDir receives file logs when enabled.
	LogsDir string
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	if c.Platform.BaseURL != "" {
		u, err := url.Parse(c.Platform.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("platform.baseUrl %q is not an absolute URL", c.Platform.BaseURL)
		}
	}
	switch c.Telemetry.JournalDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("telemetry.journalDriver %q is not supported (sqlite or postgres)", c.Telemetry.JournalDriver)
	}
	if c.Telemetry.JournalDriver == "postgres" && c.Telemetry.JournalDSN == "" {
		return fmt.Errorf("telemetry.journalDriver postgres requires telemetry.journalDsn")
	}
	if c.Artifacts.Archive.Endpoint != "" && c.Artifacts.Archive.Bucket == "" {
		return fmt.Errorf("artifacts.archive.endpoint is set but artifacts.archive.bucket is empty")
	}
	if c.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler.maxConcurrency must not be negative")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.maxRetries must not be negative")
	}
	if c.Session.MaxConcurrent < 0 {
		return fmt.Errorf("session.maxConcurrent must not be negative")
	}
	return nil
}

type configKey struct{}

// WithConfig stores cfg in the context for command plumbing.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the config stored by WithConfig, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}
