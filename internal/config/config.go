// Package config loads and validates dispatcher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid marks configuration that fails validation.
var ErrInvalid = errors.New("invalid config")

// Config captures all dispatcher configuration knobs loaded via Viper.
type Config struct {
	Hosts     []string       `mapstructure:"hosts"`
	User      string         `mapstructure:"user"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Inventory string         `mapstructure:"inventory"`
	SSH       SSHConfig      `mapstructure:"ssh"`
	Queue     QueueConfig    `mapstructure:"queue"`
	Client    ClientConfig   `mapstructure:"client"`
	Crawl     CrawlConfig    `mapstructure:"crawl"`
	Seed      SeedConfig     `mapstructure:"seed"`
	Dispatch  DispatchConfig `mapstructure:"dispatch"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Server    ServerConfig   `mapstructure:"server"`
	Ledger    LedgerConfig   `mapstructure:"ledger"`
	PubSub    PubSubConfig   `mapstructure:"pubsub"`
	Progress  ProgressConfig `mapstructure:"progress"`
}

// SSHConfig controls how workers reach their hosts.
type SSHConfig struct {
	Port                  int      `mapstructure:"port"`
	KeyPaths              []string `mapstructure:"key_paths"`
	UseAgent              bool     `mapstructure:"use_agent"`
	KnownHosts            string   `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool     `mapstructure:"insecure_ignore_host_key"`
}

// QueueConfig locates the job queue directories.
type QueueConfig struct {
	Root string `mapstructure:"root"`
}

// ClientConfig describes the client code installed on every worker host.
type ClientConfig struct {
	CodePath       string `mapstructure:"code_path"`
	GitURL         string `mapstructure:"git_url"`
	BrowserProcess string `mapstructure:"browser_process"`
}

// CrawlConfig holds the parameters passed to each remote crawl.
type CrawlConfig struct {
	Limit          int           `mapstructure:"limit"`
	Summarize      bool          `mapstructure:"summarize"`
	Recover        bool          `mapstructure:"recover"`
	BinaryPath     string        `mapstructure:"binary_path"`
	S3Bucket       string        `mapstructure:"s3_bucket"`
	PageSeconds    int           `mapstructure:"page_seconds"`
	ClientTimeout  int           `mapstructure:"client_timeout"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout"`
}

// SeedConfig caps how many ranked entries are queued.
type SeedConfig struct {
	Num int `mapstructure:"num"`
}

// DispatchConfig tunes the worker pool.
type DispatchConfig struct {
	// Workers must be zero or equal to the number of hosts.
	Workers      int     `mapstructure:"workers"`
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Quiet       bool   `mapstructure:"quiet"`
}

// ServerConfig controls the optional status server. Empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LedgerConfig selects where command outcomes are recorded.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`

	// RunsTable holds one row per setup or crawl invocation.
	RunsTable string `mapstructure:"runs_table"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig sizes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// Ledger drivers.
const (
	LedgerNone     = "none"
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
)

// Option customises the viper instance before unmarshalling.
type Option func(v *viper.Viper) error

// WithFlag binds a command-line flag to a config key.
func WithFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
		return nil
	}
}

// WithValue forces key to value, taking precedence over files and env.
func WithValue(key string, value any) Option {
	return func(v *viper.Viper) error {
		v.Set(key, value)
		return nil
	}
}

// Load builds a Config from disk/environment/flags.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user", "ubuntu")
	v.SetDefault("timeout", 120*time.Second)
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.key_paths", []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa"})
	v.SetDefault("ssh.use_agent", true)
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("queue.root", "./workspace/dispatcher")
	v.SetDefault("client.code_path", "~/pagegraph-tranco-crawl")
	v.SetDefault("client.git_url", "git@github.com:brave-experiments/pagegraph-tranco-crawl.git")
	v.SetDefault("client.browser_process", "brave")
	v.SetDefault("crawl.binary_path", "/opt/brave.com/brave-nightly/brave-browser-nightly")
	v.SetDefault("crawl.s3_bucket", "brave-research-crawling")
	v.SetDefault("crawl.page_seconds", 10)
	v.SetDefault("crawl.client_timeout", 300)
	v.SetDefault("seed.num", 15000)
	v.SetDefault("dispatch.per_host_burst", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("ledger.driver", LedgerNone)
	v.SetDefault("ledger.table", "dispatch_outcomes")
	v.SetDefault("ledger.runs_table", "dispatch_runs")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("%w: user must be set", ErrInvalid)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalid)
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("%w: ssh.port must be in 1..65535", ErrInvalid)
	}
	if strings.TrimSpace(c.Queue.Root) == "" {
		return fmt.Errorf("%w: queue.root must be set", ErrInvalid)
	}
	if strings.TrimSpace(c.Client.CodePath) == "" {
		return fmt.Errorf("%w: client.code_path must be set", ErrInvalid)
	}
	if c.Crawl.Limit < 0 {
		return fmt.Errorf("%w: crawl.limit must be >= 0", ErrInvalid)
	}
	if c.Crawl.PageSeconds <= 0 {
		return fmt.Errorf("%w: crawl.page_seconds must be > 0", ErrInvalid)
	}
	if c.Crawl.ClientTimeout <= 0 {
		return fmt.Errorf("%w: crawl.client_timeout must be > 0", ErrInvalid)
	}
	if c.Crawl.OverallTimeout < 0 {
		return fmt.Errorf("%w: crawl.overall_timeout must be >= 0", ErrInvalid)
	}
	if c.Seed.Num < 0 {
		return fmt.Errorf("%w: seed.num must be >= 0", ErrInvalid)
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("%w: dispatch.workers must be >= 0", ErrInvalid)
	}
	if c.Dispatch.PerHostRPS < 0 {
		return fmt.Errorf("%w: dispatch.per_host_rps must be >= 0", ErrInvalid)
	}
	if c.Dispatch.PerHostRPS > 0 && c.Dispatch.PerHostBurst <= 0 {
		return fmt.Errorf("%w: dispatch.per_host_burst must be > 0 when throttling", ErrInvalid)
	}
	switch c.Ledger.Driver {
	case "", LedgerNone:
	case LedgerPostgres, LedgerSQLite:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return fmt.Errorf("%w: ledger.dsn must be set for driver %q", ErrInvalid, c.Ledger.Driver)
		}
		if strings.TrimSpace(c.Ledger.Table) == "" || strings.TrimSpace(c.Ledger.RunsTable) == "" {
			return fmt.Errorf("%w: ledger.table and ledger.runs_table must be set", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown ledger.driver %q", ErrInvalid, c.Ledger.Driver)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("%w: pubsub.project_id and pubsub.topic_name must be set together", ErrInvalid)
	}
	if c.Progress.BufferSize <= 0 || c.Progress.MaxBatchEvents <= 0 || c.Progress.MaxBatchWait <= 0 {
		return fmt.Errorf("%w: progress sizes must be > 0", ErrInvalid)
	}
	return nil
}

// LedgerEnabled reports whether outcomes are persisted.
func (c Config) LedgerEnabled() bool {
	return c.Ledger.Driver != "" && c.Ledger.Driver != LedgerNone
}

// PubSubEnabled reports whether outcome notifications are published.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
