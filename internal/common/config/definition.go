package config

// Definition is the raw shape of the configuration as it appears in YAML
// files and environment bindings, before defaults and derivation are
// applied. Pointer sections distinguish "absent" from "zero".
type Definition struct {
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"logFormat"`

	Platform   *PlatformDef   `mapstructure:"platform"`
	Project    *ProjectDef    `mapstructure:"project"`
	Workflows  *WorkflowsDef  `mapstructure:"workflows"`
	CLI        *CLIDef        `mapstructure:"cli"`
	LLM        *LLMDef        `mapstructure:"llm"`
	Scheduler  *SchedulerDef  `mapstructure:"scheduler"`
	Supervisor *SupervisorDef `mapstructure:"supervisor"`
	Worktree   *WorktreeDef   `mapstructure:"worktree"`
	Session    *SessionDef    `mapstructure:"session"`
	Telemetry  *TelemetryDef  `mapstructure:"telemetry"`
	Artifacts  *ArtifactsDef  `mapstructure:"artifacts"`
}

// PlatformDef configures the code-hosting gateway.
type PlatformDef struct {
	Token          string `mapstructure:"token"`
	BaseURL        string `mapstructure:"baseUrl"`
	DefaultPrivate *bool  `mapstructure:"defaultPrivate"`
}

// ProjectDef carries repository hints for the agents.
type ProjectDef struct {
	DefaultLanguage string `mapstructure:"defaultLanguage"`
	Framework       string `mapstructure:"framework"`
}

// WorkflowsDef toggles supervisor branches. Absent flags default to on.
type WorkflowsDef struct {
	AutoLabel  *bool `mapstructure:"autoLabel"`
	AutoReview *bool `mapstructure:"autoReview"`
	AutoSync   *bool `mapstructure:"autoSync"`
}

// CLIDef holds terminal-facing settings.
type CLIDef struct {
	Language string `mapstructure:"language"`
	JSON     bool   `mapstructure:"json"`
	AutoYes  bool   `mapstructure:"autoYes"`
	Verbose  bool   `mapstructure:"verbose"`
}

// LLMDef configures the completion backend.
type LLMDef struct {
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
}

// SchedulerDef bounds parallel execution.
type SchedulerDef struct {
	MaxConcurrency int `mapstructure:"maxConcurrency"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// SupervisorDef paces the autonomous loop. Durations use plain integers
// so shell overrides stay simple.
type SupervisorDef struct {
	IntervalSeconds    int    `mapstructure:"intervalSeconds"`
	MaxDurationMinutes int    `mapstructure:"maxDurationMinutes"`
	Schedule           string `mapstructure:"schedule"`

	ScanTodos    bool     `mapstructure:"scanTodos"`
	ScanRoot     string   `mapstructure:"scanRoot"`
	ScanExcludes []string `mapstructure:"scanExcludes"`
}

// WorktreeDef configures checkout isolation.
type WorktreeDef struct {
	BaseDir      string `mapstructure:"baseDir"`
	BranchPrefix string `mapstructure:"branchPrefix"`
	// MaxIdleTime is a Go duration string such as "30m".
	MaxIdleTime string `mapstructure:"maxIdleTime"`
}

// SessionDef bounds agent sessions.
type SessionDef struct {
	// Timeout is a Go duration string such as "1h".
	Timeout       string `mapstructure:"timeout"`
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
}

// TelemetryDef wires the journal, fan-out, and serving endpoints.
type TelemetryDef struct {
	JournalDriver string `mapstructure:"journalDriver"`
	JournalDSN    string `mapstructure:"journalDsn"`

	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDb"`
	RedisChannel  string `mapstructure:"redisChannel"`

	ServeAddr string `mapstructure:"serveAddr"`

	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	OTLPInsecure bool   `mapstructure:"otlpInsecure"`

	Alerts *AlertsDef `mapstructure:"alerts"`
}

// AlertsDef configures thresholds and notification sinks.
type AlertsDef struct {
	CPUPercent          float64 `mapstructure:"cpuPercent"`
	MemoryPercent       float64 `mapstructure:"memoryPercent"`
	FailureRate         float64 `mapstructure:"failureRate"`
	MinThroughputPerMin float64 `mapstructure:"minThroughputPerMin"`
	// Cooldown is a Go duration string such as "5m".
	Cooldown string `mapstructure:"cooldown"`

	SlackWebhook   string `mapstructure:"slackWebhook"`
	DiscordToken   string `mapstructure:"discordToken"`
	DiscordChannel string `mapstructure:"discordChannel"`
	TelegramToken  string `mapstructure:"telegramToken"`
	TelegramChatID int64  `mapstructure:"telegramChatId"`
}

// ArtifactsDef configures persistence and archival.
type ArtifactsDef struct {
	Dir     string      `mapstructure:"dir"`
	Archive *ArchiveDef `mapstructure:"archive"`
}

// ArchiveDef is the S3-compatible archival target.
type ArchiveDef struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	UseSSL    bool   `mapstructure:"useSsl"`
}
