package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the in-process durable schedule engine.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Poller controls the incremental rule polling loop.
	Poller PollerConfig `json:"poller"`

	// Workflow controls the workflow runtime and the notification
	// execution loop it hosts.
	Workflow WorkflowConfig `json:"workflow"`
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

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the schedule engine.
//
// Namespace is the logical partition provisioned on startup; names with a
// "test-" prefix get short retention (see schedule.Provisioner).
type SchedulerConfig struct {
	Namespace string `json:"namespace"`
	TaskQueue string `json:"task_queue,omitempty"`
}

// PollerConfig controls the rule polling loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - initial_delay: "5s"
//   - batch_size: 100
//   - sync_rate_per_sec: 10
type PollerConfig struct {
	Enabled bool `json:"enabled"`

	PollInterval string `json:"poll_interval,omitempty"`
	// InitialDelay precedes the first cycle. Use "0s" for deterministic tests.
	InitialDelay string `json:"initial_delay,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`

	// SyncRatePerSec paces the per-rule sync fan-out.
	SyncRatePerSec int `json:"sync_rate_per_sec,omitempty"`

	// EnterpriseID optionally scopes this poller instance to one enterprise.
	EnterpriseID string `json:"enterprise_id,omitempty"`
}

// WorkflowConfig controls the workflow runtime worker pool and the
// notification execution loop.
type WorkflowConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	TaskQueue string `json:"task_queue,omitempty"`

	Execution ExecutionConfig `json:"execution"`
}

// ExecutionConfig is the initial config of the notification execution loop.
// It can be amended at runtime through the loop's update-config signal.
type ExecutionConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	ProcessFailed bool   `json:"process_failed,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
}
