package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces the application's environment variables.
	EnvPrefix = "MIYABI"
	// homeEnv overrides the application home directory.
	homeEnv = "MIYABI_HOME"

	homeConfigName  = "config.yml"
	repoConfigName  = ".miyabi.yml"
	credentialsName = "credentials.json"
)

// Loader reads and merges configuration layers into a Config.
type Loader struct {
	v          *viper.Viper
	configFile string
	repoRoot   string
	homeDir    string
	warnings   []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile replaces the file layers with one explicit file.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// WithRepoRoot sets the directory searched for the per-repo file.
// Defaults to the working directory.
func WithRepoRoot(dir string) LoaderOption {
	return func(l *Loader) { l.repoRoot = dir }
}

// WithHome overrides the application home directory resolution.
func WithHome(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// NewLoader creates a Loader with a fresh viper instance.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the layered configuration: environment variables override
// the per-repo file, which overrides the home file, which overrides
// defaults. A .env file in the working directory fills process env gaps
// first and never overrides.
func (l *Loader) Load() (*Config, error) {
	_ = godotenv.Load()

	home, err := l.resolveHome()
	if err != nil {
		return nil, err
	}
	paths := defaultPaths(home)

	l.v.SetConfigType("yaml")
	l.bindEnvironmentVariables()
	l.setDefaultValues(paths)

	merged, used, err := l.mergeFileLayers()
	if err != nil {
		return nil, err
	}
	if len(merged) > 0 {
		if err := l.v.MergeConfigMap(merged); err != nil {
			return nil, fmt.Errorf("failed to merge config layers: %w", err)
		}
	}

	// Environment values arrive as strings, so the decoder needs weak
	// typing for the bool and int fields bound to env variables.
	var def Definition
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	))
	weakTyping := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := l.v.Unmarshal(&def, decodeHook, weakTyping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def, paths)
	if err != nil {
		return nil, err
	}
	cfg.Paths.ConfigFilesUsed = used
	cfg.Warnings = l.warnings

	return cfg, nil
}

// resolveHome picks the application home: the MIYABI_HOME environment
// variable, an explicit option, an existing ~/.miyabi, an existing XDG
// config dir, then ~/.miyabi as the default for fresh installs.
func (l *Loader) resolveHome() (string, error) {
	if l.homeDir != "" {
		return filepath.Abs(l.homeDir)
	}
	if dir := os.Getenv(homeEnv); dir != "" {
		return filepath.Abs(dir)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve the home directory: %w", err)
	}
	dotDir := filepath.Join(userHome, ".miyabi")
	if dirExists(dotDir) {
		return dotDir, nil
	}
	xdgDir := filepath.Join(xdg.ConfigHome, "miyabi")
	if dirExists(xdgDir) {
		return xdgDir, nil
	}
	return dotDir, nil
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func defaultPaths(home string) Paths {
	return Paths{
		Home:            home,
		CredentialsFile: filepath.Join(home, credentialsName),
		ArtifactsDir:    filepath.Join(home, "storage"),
		JournalFile:     filepath.Join(home, "telemetry.db"),
		LogsDir:         filepath.Join(home, "logs"),
	}
}

// mergeFileLayers reads the file layers lowest first and merges them into
// one map, later layers overriding earlier ones. Missing files are fine.
func (l *Loader) mergeFileLayers() (map[string]any, []string, error) {
	files := l.layerFiles()

	merged := map[string]any{}
	var used []string
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		layer := map[string]any{}
		if err := yaml.Unmarshal(raw, &layer); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
		if err := mergo.Merge(&merged, layer, mergo.WithOverride); err != nil {
			return nil, nil, fmt.Errorf("failed to merge config file %s: %w", file, err)
		}
		used = append(used, file)
	}
	return merged, used, nil
}

func (l *Loader) layerFiles() []string {
	if l.configFile != "" {
		return []string{l.configFile}
	}
	repoRoot := l.repoRoot
	if repoRoot == "" {
		repoRoot = "."
	}
	home, _ := l.resolveHome()
	return []string{
		filepath.Join(home, homeConfigName),
		filepath.Join(repoRoot, repoConfigName),
	}
}

type envBinding struct {
	key string
	// envs are candidate variable names in priority order. Names are
	// used verbatim; the MIYABI_ prefix is not applied here.
	envs []string
}

var envBindings = []envBinding{
	{key: "debug", envs: []string{"MIYABI_DEBUG"}},
	{key: "logFormat", envs: []string{"MIYABI_LOG_FORMAT"}},

	{key: "platform.token", envs: []string{"MIYABI_PLATFORM_TOKEN", "PLATFORM_TOKEN"}},
	{key: "platform.baseUrl", envs: []string{"MIYABI_PLATFORM_BASE_URL"}},

	{key: "llm.apiKey", envs: []string{"MIYABI_LLM_API_KEY", "LLM_API_KEY"}},
	{key: "llm.model", envs: []string{"MIYABI_LLM_MODEL"}},

	{key: "cli.json", envs: []string{"MIYABI_JSON", "JSON"}},
	{key: "cli.autoYes", envs: []string{"MIYABI_AUTO_YES", "AUTO_YES"}},
	{key: "cli.verbose", envs: []string{"MIYABI_VERBOSE", "VERBOSE"}},
	{key: "cli.language", envs: []string{"MIYABI_LANGUAGE"}},

	{key: "scheduler.maxConcurrency", envs: []string{"MIYABI_SCHEDULER_MAX_CONCURRENCY"}},
	{key: "scheduler.maxRetries", envs: []string{"MIYABI_SCHEDULER_MAX_RETRIES"}},

	{key: "supervisor.intervalSeconds", envs: []string{"MIYABI_SUPERVISOR_INTERVAL_SECONDS"}},
	{key: "supervisor.maxDurationMinutes", envs: []string{"MIYABI_SUPERVISOR_MAX_DURATION_MINUTES"}},
	{key: "supervisor.schedule", envs: []string{"MIYABI_SUPERVISOR_SCHEDULE"}},
	{key: "supervisor.scanExcludes", envs: []string{"MIYABI_SUPERVISOR_SCAN_EXCLUDES"}},

	{key: "worktree.baseDir", envs: []string{"MIYABI_WORKTREE_BASE_DIR"}},
	{key: "worktree.branchPrefix", envs: []string{"MIYABI_WORKTREE_BRANCH_PREFIX"}},
	{key: "worktree.maxIdleTime", envs: []string{"MIYABI_WORKTREE_MAX_IDLE_TIME"}},

	{key: "session.timeout", envs: []string{"MIYABI_SESSION_TIMEOUT"}},
	{key: "session.maxConcurrent", envs: []string{"MIYABI_SESSION_MAX_CONCURRENT"}},

	{key: "telemetry.journalDriver", envs: []string{"MIYABI_TELEMETRY_JOURNAL_DRIVER"}},
	{key: "telemetry.journalDsn", envs: []string{"MIYABI_TELEMETRY_JOURNAL_DSN"}},
	{key: "telemetry.redisAddr", envs: []string{"MIYABI_TELEMETRY_REDIS_ADDR"}},
	{key: "telemetry.redisPassword", envs: []string{"MIYABI_TELEMETRY_REDIS_PASSWORD"}},
	{key: "telemetry.redisChannel", envs: []string{"MIYABI_TELEMETRY_REDIS_CHANNEL"}},
	{key: "telemetry.serveAddr", envs: []string{"MIYABI_TELEMETRY_SERVE_ADDR"}},
	{key: "telemetry.otlpEndpoint", envs: []string{"MIYABI_TELEMETRY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}},

	{key: "artifacts.dir", envs: []string{"MIYABI_ARTIFACTS_DIR"}},
	{key: "artifacts.archive.endpoint", envs: []string{"MIYABI_ARCHIVE_ENDPOINT"}},
	{key: "artifacts.archive.bucket", envs: []string{"MIYABI_ARCHIVE_BUCKET"}},
	{key: "artifacts.archive.accessKey", envs: []string{"MIYABI_ARCHIVE_ACCESS_KEY"}},
	{key: "artifacts.archive.secretKey", envs: []string{"MIYABI_ARCHIVE_SECRET_KEY"}},
}

func (l *Loader) bindEnvironmentVariables() {
	for _, b := range envBindings {
		args := append([]string{b.key}, b.envs...)
		_ = l.v.BindEnv(args...)
	}
}

func (l *Loader) setDefaultValues(paths Paths) {
	l.v.SetDefault("logFormat", "text")

	l.v.SetDefault("platform.baseUrl", "https://api.github.com")

	l.v.SetDefault("cli.language", "en")

	l.v.SetDefault("workflows.autoLabel", true)
	l.v.SetDefault("workflows.autoReview", true)
	l.v.SetDefault("workflows.autoSync", false)

	// Zero means derive from host capacity at startup.
	l.v.SetDefault("scheduler.maxConcurrency", 0)
	l.v.SetDefault("scheduler.maxRetries", 2)

	l.v.SetDefault("supervisor.intervalSeconds", 10)

	l.v.SetDefault("worktree.baseDir", ".worktrees")
	l.v.SetDefault("worktree.branchPrefix", "miyabi/issue-")
	l.v.SetDefault("worktree.maxIdleTime", "1h")

	l.v.SetDefault("session.timeout", "1h")
	l.v.SetDefault("session.maxConcurrent", 3)

	l.v.SetDefault("telemetry.redisChannel", "miyabi.events")

	l.v.SetDefault("artifacts.dir", paths.ArtifactsDir)
}

// parseDuration parses a duration string, returning fallback and recording
// a warning when the value does not parse.
func (l *Loader) parseDuration(fieldName, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("Invalid %s value %q, using %s", fieldName, value, fallback))
		return fallback
	}
	return d
}

// buildConfig transforms the raw Definition into a validated Config.
func (l *Loader) buildConfig(def Definition, paths Paths) (*Config, error) {
	cfg := &Config{
		Debug:     def.Debug,
		LogFormat: def.LogFormat,
		Paths:     paths,
	}

	l.loadPlatformConfig(cfg, def.Platform)
	l.loadProjectConfig(cfg, def.Project)
	l.loadWorkflowsConfig(cfg, def.Workflows)
	l.loadCLIConfig(cfg, def.CLI)
	l.loadLLMConfig(cfg, def.LLM)
	l.loadSchedulerConfig(cfg, def.Scheduler)
	l.loadSupervisorConfig(cfg, def.Supervisor)
	l.loadWorktreeConfig(cfg, def.Worktree)
	l.loadSessionConfig(cfg, def.Session)
	l.loadTelemetryConfig(cfg, def.Telemetry)
	l.loadArtifactsConfig(cfg, def.Artifacts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadPlatformConfig(cfg *Config, def *PlatformDef) {
	if def == nil {
		cfg.Platform.BaseURL = "https://api.github.com"
		return
	}
	cfg.Platform = Platform{
		Token:   def.Token,
		BaseURL: def.BaseURL,
	}
	if def.DefaultPrivate != nil {
		cfg.Platform.DefaultPrivate = *def.DefaultPrivate
	}
}

func (l *Loader) loadProjectConfig(cfg *Config, def *ProjectDef) {
	if def == nil {
		return
	}
	cfg.Project = Project{
		DefaultLanguage: def.DefaultLanguage,
		Framework:       def.Framework,
	}
}

func (l *Loader) loadWorkflowsConfig(cfg *Config, def *WorkflowsDef) {
	cfg.Workflows = Workflows{AutoLabel: true, AutoReview: true}
	if def == nil {
		return
	}
	if def.AutoLabel != nil {
		cfg.Workflows.AutoLabel = *def.AutoLabel
	}
	if def.AutoReview != nil {
		cfg.Workflows.AutoReview = *def.AutoReview
	}
	if def.AutoSync != nil {
		cfg.Workflows.AutoSync = *def.AutoSync
	}
}

func (l *Loader) loadCLIConfig(cfg *Config, def *CLIDef) {
	cfg.CLI.Language = "en"
	if def == nil {
		return
	}
	cfg.CLI = CLI{
		Language: def.Language,
		JSON:     def.JSON,
		AutoYes:  def.AutoYes,
		Verbose:  def.Verbose,
	}
	if cfg.CLI.Language == "" {
		cfg.CLI.Language = "en"
	}
}

func (l *Loader) loadLLMConfig(cfg *Config, def *LLMDef) {
	if def == nil {
		return
	}
	cfg.LLM = LLM{APIKey: def.APIKey, Model: def.Model}
}

func (l *Loader) loadSchedulerConfig(cfg *Config, def *SchedulerDef) {
	cfg.Scheduler.MaxRetries = 2
	if def == nil {
		return
	}
	cfg.Scheduler.MaxConcurrency = def.MaxConcurrency
	if def.MaxRetries > 0 {
		cfg.Scheduler.MaxRetries = def.MaxRetries
	}
}

func (l *Loader) loadSupervisorConfig(cfg *Config, def *SupervisorDef) {
	cfg.Supervisor.Interval = 10 * time.Second
	if def == nil {
		return
	}
	if def.IntervalSeconds > 0 {
		cfg.Supervisor.Interval = time.Duration(def.IntervalSeconds) * time.Second
	}
	if def.MaxDurationMinutes > 0 {
		cfg.Supervisor.MaxDuration = time.Duration(def.MaxDurationMinutes) * time.Minute
	}
	cfg.Supervisor.Schedule = def.Schedule
	cfg.Supervisor.ScanTodos = def.ScanTodos
	cfg.Supervisor.ScanRoot = def.ScanRoot
	cfg.Supervisor.ScanExcludes = def.ScanExcludes
}

func (l *Loader) loadWorktreeConfig(cfg *Config, def *WorktreeDef) {
	cfg.Worktree = Worktree{
		BaseDir:      ".worktrees",
		BranchPrefix: "miyabi/issue-",
		MaxIdleTime:  time.Hour,
	}
	if def == nil {
		return
	}
	if def.BaseDir != "" {
		cfg.Worktree.BaseDir = def.BaseDir
	}
	if def.BranchPrefix != "" {
		cfg.Worktree.BranchPrefix = def.BranchPrefix
	}
	cfg.Worktree.MaxIdleTime = l.parseDuration("worktree.maxIdleTime", def.MaxIdleTime, time.Hour)
}

func (l *Loader) loadSessionConfig(cfg *Config, def *SessionDef) {
	cfg.Session = Session{Timeout: time.Hour, MaxConcurrent: 3}
	if def == nil {
		return
	}
	cfg.Session.Timeout = l.parseDuration("session.timeout", def.Timeout, time.Hour)
	if def.MaxConcurrent > 0 {
		cfg.Session.MaxConcurrent = def.MaxConcurrent
	}
}

func (l *Loader) loadTelemetryConfig(cfg *Config, def *TelemetryDef) {
	cfg.Telemetry.RedisChannel = "miyabi.events"
	if def == nil {
		return
	}
	cfg.Telemetry = Telemetry{
		JournalDriver: def.JournalDriver,
		JournalDSN:    def.JournalDSN,
		RedisAddr:     def.RedisAddr,
		RedisPassword: def.RedisPassword,
		RedisDB:       def.RedisDB,
		RedisChannel:  def.RedisChannel,
		ServeAddr:     def.ServeAddr,
		OTLPEndpoint:  def.OTLPEndpoint,
		OTLPInsecure:  def.OTLPInsecure,
	}
	if cfg.Telemetry.RedisChannel == "" {
		cfg.Telemetry.RedisChannel = "miyabi.events"
	}
	if cfg.Telemetry.JournalDriver == "sqlite" && cfg.Telemetry.JournalDSN == "" {
		cfg.Telemetry.JournalDSN = cfg.Paths.JournalFile
	}
	if def.Alerts != nil {
		cfg.Telemetry.Alerts = Alerts{
			CPUPercent:          def.Alerts.CPUPercent,
			MemoryPercent:       def.Alerts.MemoryPercent,
			FailureRate:         def.Alerts.FailureRate,
			MinThroughputPerMin: def.Alerts.MinThroughputPerMin,
			Cooldown:            l.parseDuration("telemetry.alerts.cooldown", def.Alerts.Cooldown, 0),
			SlackWebhook:        def.Alerts.SlackWebhook,
			DiscordToken:        def.Alerts.DiscordToken,
			DiscordChannel:      def.Alerts.DiscordChannel,
			TelegramToken:       def.Alerts.TelegramToken,
			TelegramChatID:      def.Alerts.TelegramChatID,
		}
	}
}

func (l *Loader) loadArtifactsConfig(cfg *Config, def *ArtifactsDef) {
	cfg.Artifacts.Dir = cfg.Paths.ArtifactsDir
	if def == nil {
		return
	}
	if def.Dir != "" {
		if abs, err := filepath.Abs(def.Dir); err == nil {
			cfg.Artifacts.Dir = abs
		} else {
			cfg.Artifacts.Dir = def.Dir
		}
		cfg.Paths.ArtifactsDir = cfg.Artifacts.Dir
	}
	if def.Archive != nil {
		cfg.Artifacts.Archive = Archive{
			Endpoint:  def.Archive.Endpoint,
			Bucket:    def.Archive.Bucket,
			AccessKey: def.Archive.AccessKey,
			SecretKey: def.Archive.SecretKey,
			UseSSL:    def.Archive.UseSSL,
		}
	}
}

// Load resolves the configuration with default options. Most callers
// want this.
func Load(opts ...LoaderOption) (*Config, error) {
	return NewLoader(opts...).Load()
}
