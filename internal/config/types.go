package config

type Config struct {
	// ProjectDir anchors all relative paths below. Defaults to the working
	// directory.
	ProjectDir string `json:"project_dir,omitempty"`

	// OutDir is the root for recorded results, relative to ProjectDir.
	OutDir string `json:"out_dir,omitempty"`

	// TaskFile is the task declaration file consumed by the "config" task
	// generator, relative to ProjectDir.
	TaskFile string `json:"task_file,omitempty"`

	Logging     LoggingConfig     `json:"logging"`
	Credentials CredentialsConfig `json:"credentials"`
	Storage     StorageConfig     `json:"storage"`
	Client      ClientConfig      `json:"client,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Executor    ExecutorConfig    `json:"executor,omitempty"`
	Expansion   ExpansionConfig   `json:"expansion,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Generators lists the active task generators. If omitted, the "config"
	// generator is used alone.
	Generators []GeneratorConfig `json:"generators,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CredentialsConfig holds the remote API credentials. The engine only attaches
// them to outgoing calls; the authentication handshake itself is the remote
// API's business.
type CredentialsConfig struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	AccessToken    string `json:"access_token"`
	AccessSecret   string `json:"access_secret"`
	BearerToken    string `json:"bearer_token,omitempty"`
}

// StorageConfig controls the durable appdata store.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type StorageConfig struct {
	// Path to the sqlite database file, relative to ProjectDir.
	// Defaults to "appdata/twicorder.db".
	Path string `json:"path,omitempty"`

	// BusyTimeout is the sqlite busy handler timeout.
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// OpTimeout bounds individual store operations. On expiry the operation
	// surfaces as a transient error to the caller. Defaults to "5s".
	OpTimeout string `json:"op_timeout,omitempty"`
}

// ClientConfig controls the remote API HTTP client.
type ClientConfig struct {
	BaseURL string `json:"base_url,omitempty"`

	// Timeout is the per-request HTTP timeout. Defaults to "30s".
	Timeout string `json:"timeout,omitempty"`

	// RequestsPerSec caps the local outgoing request rate across all
	// endpoints, independent of server-reported budgets. 0 disables the cap.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
}

// SchedulerConfig controls task dispatch.
type SchedulerConfig struct {
	// Concurrency is the global ceiling on simultaneously running task runs.
	// Defaults to 4.
	Concurrency int `json:"concurrency,omitempty"`

	// TickInterval is how often the scheduler examines the task pool.
	// Defaults to "15s".
	TickInterval string `json:"tick_interval,omitempty"`

	// ShutdownGrace is how long in-flight runs get to finish their current
	// page on shutdown. Defaults to "30s".
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// ExecutorConfig controls per-page retry behavior for transient errors.
type ExecutorConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`       // default 3
	RetryBase     string `json:"retry_base,omitempty"`      // default "1s"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "15m"
}

// ExpansionConfig controls user-mention expansion.
type ExpansionConfig struct {
	Enabled bool `json:"enabled"`

	// LookupInterval is the freshness window: an entity expanded within this
	// window is not looked up again. Defaults to "15m".
	LookupInterval string `json:"lookup_interval,omitempty"`
}

// MaintenanceConfig controls background housekeeping schedules (robfig/cron
// specs, e.g. "@hourly", "@every 30m").
type MaintenanceConfig struct {
	// PruneSchedule triggers dedup-store pruning. Defaults to "@hourly".
	PruneSchedule string `json:"prune_schedule,omitempty"`

	// Retention is the age past which seen hashes are pruned.
	// Defaults to "336h" (14 days).
	Retention string `json:"retention,omitempty"`

	// RefreshSchedule triggers task generator refresh. Empty disables
	// periodic refresh.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
}

// GeneratorConfig selects a task generator by name with generator-specific
// keyword arguments (passed through verbatim).
type GeneratorConfig struct {
	Name   string            `json:"name"`
	Kwargs map[string]string `json:"kwargs,omitempty"`
}
