// Package config loads provisiond settings.
//
// Sources are layered, later ones winning:
//  1. built-in defaults
//  2. a .env file in the working directory, if present
//  3. an optional YAML (.yaml, .yml) or Pkl (.pkl) file
//  4. PROVISIOND_* environment variables
package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "PROVISIOND_"

// sqsMaxVisibility is the longest visibility timeout SQS accepts. A task
// stays hidden for stack.timeout plus redeliveryMargin.
const (
	sqsMaxVisibility = 12 * time.Hour
	redeliveryMargin = 15 * time.Minute
)

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database DatabaseConfig `yaml:"database"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Worker   WorkerConfig   `yaml:"worker"`
	Stack    StackConfig    `yaml:"stack"`
	Synth    SynthConfig    `yaml:"synth"`
	Remote   RemoteConfig   `yaml:"remote"`
	Notify   NotifyConfig   `yaml:"notify"`

	// loadedFrom is the config file path, if any.
	loadedFrom string
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SecretsConfig holds the base64 AES-256 key sealing credentials at rest.
type SecretsConfig struct {
	Key string `yaml:"key"`
}

type QueueConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	// Consumer names this worker in the Redis consumer group. A stable name
	// lets a restarted worker pick up its own unacked tasks at once; other
	// workers claim them after the workflow timeout. Defaults to host-pid.
	Consumer string `yaml:"consumer"`
	SQSURL   string `yaml:"sqs_url"`
	Region   string `yaml:"region"`
}

type LockConfig struct {
	Backend string        `yaml:"backend"`
	Table   string        `yaml:"table"`
	Region  string        `yaml:"region"`
	TTL     time.Duration `yaml:"ttl"`
}

// ArchiveConfig configures the S3 bucket large templates are uploaded to.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	Always bool   `yaml:"always"`
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

type StackConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	EventLimit   int           `yaml:"event_limit"`
	Timeout      time.Duration `yaml:"timeout"`
}

type SynthConfig struct {
	VPCCIDR       string `yaml:"vpc_cidr"`
	SubnetMask    int    `yaml:"subnet_mask"`
	AppPortFrom   int    `yaml:"app_port_from"`
	AppPortTo     int    `yaml:"app_port_to"`
	DNSDomain     string `yaml:"dns_domain"`
	HostedZoneID  string `yaml:"hosted_zone_id"`
	InstanceClass string `yaml:"instance_class"`
	InstanceSize  string `yaml:"instance_size"`
	DiskSize      int    `yaml:"disk_size"`
	KeyBits       int    `yaml:"key_bits"`
}

type RemoteConfig struct {
	User             string        `yaml:"user"`
	Port             int           `yaml:"port"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	DialRetries      int           `yaml:"dial_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	BundleDir        string        `yaml:"bundle_dir"`
	VerifyContainers bool          `yaml:"verify_containers"`
}

type NotifyConfig struct {
	SNSTopicARN string `yaml:"sns_topic_arn"`
	Region      string `yaml:"region"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Database:  DatabaseConfig{Driver: "sqlite", URL: "provisiond.db", MaxOpenConns: 10},
		Queue: QueueConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
			Stream:   "provisiond:tasks",
			Group:    "provisiond-workers",
		},
		Lock:    LockConfig{Backend: "memory", Table: "provisiond-locks", TTL: 2 * time.Hour},
		Archive: ArchiveConfig{Prefix: "templates/"},
		Worker:  WorkerConfig{Concurrency: 8, MetricsAddr: ":9090", HealthAddr: ":9091"},
		Stack:   StackConfig{PollInterval: 30 * time.Second, MaxPolls: 30, EventLimit: 50, Timeout: 2 * time.Hour},
		Synth: SynthConfig{
			VPCCIDR:       "10.0.0.0/16",
			SubnetMask:    26,
			AppPortFrom:   8000,
			AppPortTo:     9999,
			DNSDomain:     "cloud.relationaldba.com",
			InstanceClass: "BURSTABLE4_GRAVITON",
			InstanceSize:  "LARGE",
			DiskSize:      10,
			KeyBits:       2048,
		},
		Remote: RemoteConfig{
			User:             "ec2-user",
			Port:             22,
			DialTimeout:      10 * time.Second,
			DialRetries:      30,
			RetryDelay:       5 * time.Second,
			GracePeriod:      60 * time.Second,
			VerifyContainers: true,
		},
	}
}

// Load builds the configuration from defaults, .env, the file at path (if
// path is empty, PROVISIOND_CONFIG is consulted) and the environment.
func Load(path string) (*Config, error) {
	return LoadContext(context.Background(), path)
}

// LoadContext is Load with a context for Pkl evaluation.
func LoadContext(ctx context.Context, path string) (*Config, error) {
	// 1. Defaults
	cfg := Default()

	// 2. .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. File
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(ctx, path); err != nil {
			return nil, err
		}
	}

	// 4. Environment
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	// 5. Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(ctx context.Context, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	case ".pkl":
		data, err = evaluatePkl(ctx, path)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config file %s: expected .yaml, .yml or .pkl", path)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.loadedFrom = path
	return nil
}

// LoadedFrom returns the config file the settings came from, or "".
func (c *Config) LoadedFrom() string { return c.loadedFrom }

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.LogLevel, "debug", "info", "warn", "warning", "error"), "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(oneOf(c.LogFormat, "text", "json"), "log_format %q is not text or json", c.LogFormat)

	check(oneOf(c.Database.Driver, "sqlite", "postgres"), "database.driver %q is not sqlite or postgres", c.Database.Driver)
	check(c.Database.URL != "", "database.url is required")

	if c.Secrets.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Secrets.Key)
		check(err == nil && len(key) == 32, "secrets.key must be a base64 encoded 32 byte key")
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		check(c.Queue.RedisURL != "", "queue.redis_url is required for the redis backend")
	case "sqs":
		check(c.Queue.SQSURL != "", "queue.sqs_url is required for the sqs backend")
	default:
		check(false, "queue.backend %q is not memory, redis or sqs", c.Queue.Backend)
	}

	switch c.Lock.Backend {
	case "memory":
	case "dynamodb":
		check(c.Lock.Table != "", "lock.table is required for the dynamodb backend")
		check(c.Lock.TTL > 0, "lock.ttl must be positive for the dynamodb backend")
	default:
		check(false, "lock.backend %q is not memory or dynamodb", c.Lock.Backend)
	}
	check(c.Lock.TTL >= 0, "lock.ttl must not be negative")

	// A lock or a hidden message must outlive the run it guards.
	check(c.Stack.Timeout > 0, "stack.timeout must be positive")
	check(c.Lock.TTL == 0 || c.Lock.TTL >= c.Stack.Timeout,
		"lock.ttl %s is shorter than stack.timeout %s", c.Lock.TTL, c.Stack.Timeout)
	if c.Queue.Backend == "sqs" {
		check(c.Stack.Timeout+redeliveryMargin <= sqsMaxVisibility,
			"stack.timeout %s leaves no room under the %s SQS visibility limit", c.Stack.Timeout, sqsMaxVisibility)
	}

	check(c.Worker.Concurrency > 0, "worker.concurrency must be positive")
	check(c.Stack.PollInterval > 0, "stack.poll_interval must be positive")
	check(c.Stack.MaxPolls > 0, "stack.max_polls must be positive")
	check(c.Stack.EventLimit > 0 && c.Stack.EventLimit <= 50, "stack.event_limit must be between 1 and 50")

	prefix, err := netip.ParsePrefix(c.Synth.VPCCIDR)
	check(err == nil && prefix.Addr().Is4(), "synth.vpc_cidr %q is not an IPv4 CIDR", c.Synth.VPCCIDR)
	check(c.Synth.SubnetMask >= 16 && c.Synth.SubnetMask <= 28, "synth.subnet_mask must be between 16 and 28")
	check(c.Synth.AppPortFrom > 0 && c.Synth.AppPortFrom <= c.Synth.AppPortTo && c.Synth.AppPortTo <= 65535,
		"synth.app_port_from..app_port_to %d..%d is not a valid port range", c.Synth.AppPortFrom, c.Synth.AppPortTo)
	check(c.Synth.DiskSize >= 1 && c.Synth.DiskSize <= 16384, "synth.disk_size must be between 1 and 16384")
	check(c.Synth.KeyBits >= 2048, "synth.key_bits must be at least 2048")

	check(c.Remote.User != "", "remote.user is required")
	check(c.Remote.Port > 0 && c.Remote.Port <= 65535, "remote.port %d is out of range", c.Remote.Port)
	check(c.Remote.DialRetries >= 0, "remote.dial_retries must not be negative")
	check(c.Remote.GracePeriod >= 0, "remote.grace_period must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(v, o) {
			return true
		}
	}
	return false
}
