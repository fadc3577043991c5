package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Worker    WorkerConfig    `yaml:"worker"`
	Locks     LocksConfig     `yaml:"locks"`
	Retry     RetryConfig     `yaml:"retry"`
	Decompose DecomposeConfig `yaml:"decompose"`
	Routing   RoutingConfig   `yaml:"routing"`
	Safety    SafetyConfig    `yaml:"safety"`
	Bus       BusConfig       `yaml:"bus"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Events    EventsConfig    `yaml:"events"`
	Planner   PlannerConfig   `yaml:"planner"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SwarmConfig struct {
	Version     string `yaml:"version"`
	Created     string `yaml:"created"`
	ProjectRoot string `yaml:"project_root"`
	Endpoint    string `yaml:"endpoint"`
}

type WorkerConfig struct {
	PollIntervalSec    int `yaml:"poll_interval_sec"`
	BackoffMaxSec      int `yaml:"backoff_max_sec"`
	DispatchTimeoutSec int `yaml:"dispatch_timeout_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LocksConfig struct {
	StaleAfterMin int `yaml:"stale_after_min"`
}

type RetryConfig struct {
	MaxRetry int `yaml:"max_retry"`
}

type DecomposeConfig struct {
	Enabled     bool `yaml:"enabled"`
	MinBullets  int  `yaml:"min_bullets"`
	MaxSubtasks int  `yaml:"max_subtasks"`
}

type RoutingConfig struct {
	RegistryPath  string  `yaml:"registry_path"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type SafetyConfig struct {
	DenyPatterns []string `yaml:"deny_patterns"`
}

type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type EventsConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
	Checksum bool   `yaml:"checksum"`
}

type PlannerConfig struct {
	Endpoint string `yaml:"endpoint"`
	TokenEnv string `yaml:"token_env"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by swarm init.
func DefaultConfig() *Config {
	return &Config{
		Swarm: SwarmConfig{
			Version: "1.0",
		},
		Worker: WorkerConfig{
			PollIntervalSec:    5,
			BackoffMaxSec:      60,
			DispatchTimeoutSec: 120,
			ShutdownTimeoutSec: 10,
		},
		Locks: LocksConfig{
			StaleAfterMin: 30,
		},
		Retry: RetryConfig{
			MaxRetry: 2,
		},
		Decompose: DecomposeConfig{
			Enabled:     true,
			MinBullets:  3,
			MaxSubtasks: 8,
		},
		Routing: RoutingConfig{
			RegistryPath:  "capabilities.yaml",
			MinConfidence: 0.2,
		},
		Safety: SafetyConfig{
			DenyPatterns: []string{"rm -rf /", "mkfs", ":(){ :|:& };:"},
		},
		Bus: BusConfig{
			Subject: "swarm.events",
		},
		Ledger: LedgerConfig{
			Path: "ledger.db",
		},
		Events: EventsConfig{
			Path:     "events/log.jsonl",
			MaxBytes: 10 * 1024 * 1024,
			Checksum: true,
		},
		Planner: PlannerConfig{
			TokenEnv: "SWARM_PLANNER_TOKEN",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
