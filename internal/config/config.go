// Package config loads the frontend and backend agent configuration from an
// optional YAML file and environment overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rounding decides how the remaining deadline is turned into whole seconds
// for the coordinator wait window.
type Rounding string

const (
	RoundFloor Rounding = "floor"
	RoundCeil  Rounding = "ceil"
)

// WaitSeconds converts a remaining duration into the wait window.
func (r Rounding) WaitSeconds(left time.Duration) int {
	secs := left.Seconds()
	if r == RoundCeil {
		return int(math.Ceil(secs))
	}
	return int(math.Floor(secs))
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Log      LogConfig      `yaml:"log"`
	Load     LoadConfig     `yaml:"load"`
	Worker   WorkerConfig   `yaml:"worker"`
	Agent    AgentConfig    `yaml:"agent"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

type LoadConfig struct {
	DefaultTimeoutSecond int      `yaml:"default_timeout_second"`
	WaitRounding         Rounding `yaml:"wait_rounding"`
	ClusterName          string   `yaml:"cluster_name"`
	Backends             []string `yaml:"backends"`
	MaxFilesPerInstance  int      `yaml:"max_files_per_instance"`
}

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	Slots        int           `yaml:"slots"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AgentConfig struct {
	// Addr is the base URL the agent advertises in delta and tracking URLs.
	Addr         string `yaml:"addr"`
	Port         string `yaml:"port"`
	FrontendAddr string `yaml:"frontend_addr"`
	OutputDir    string `yaml:"output_dir"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Redis:  RedisConfig{Addr: "localhost:9401"},
		Log:    LogConfig{Level: "info", Format: "console", Output: "stdout"},
		Load: LoadConfig{
			DefaultTimeoutSecond: 3600,
			WaitRounding:         RoundFloor,
			ClusterName:          "default_cluster",
			MaxFilesPerInstance:  4,
		},
		Worker: WorkerConfig{Slots: 1, PollInterval: time.Second},
		Agent: AgentConfig{
			Addr:         "http://localhost:8040",
			Port:         "8040",
			FrontendAddr: "http://localhost:8080",
			OutputDir:    os.TempDir(),
		},
	}
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Redis.Addr, "POGOCACHE_ADDR")
	setString(&c.Postgres.DSN, "POSTGRES_DSN")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Load.ClusterName, "CLUSTER_NAME")
	setString(&c.Worker.ID, "WORKER_ID")
	setString(&c.Agent.Addr, "AGENT_ADDR")
	setString(&c.Agent.Port, "AGENT_PORT")
	setString(&c.Agent.FrontendAddr, "FRONTEND_ADDR")
	setString(&c.Agent.OutputDir, "AGENT_OUTPUT_DIR")

	if v := os.Getenv("PULL_LOAD_WAIT_ROUNDING"); v != "" {
		c.Load.WaitRounding = Rounding(strings.ToLower(v))
	}
	if v := os.Getenv("BACKENDS"); v != "" {
		c.Load.Backends = splitList(v)
	}
	if err := setInt(&c.Load.DefaultTimeoutSecond, "PULL_LOAD_DEFAULT_TIMEOUT_SECOND"); err != nil {
		return err
	}
	return setInt(&c.Worker.Slots, "WORKER_SLOTS")
}

func (c *Config) Validate() error {
	if c.Load.DefaultTimeoutSecond <= 0 {
		return fmt.Errorf("default_timeout_second must be positive, got %d", c.Load.DefaultTimeoutSecond)
	}
	switch c.Load.WaitRounding {
	case RoundFloor, RoundCeil:
	default:
		return fmt.Errorf("unknown wait_rounding %q (available: floor, ceil)", c.Load.WaitRounding)
	}
	if c.Worker.Slots <= 0 {
		return fmt.Errorf("worker slots must be positive, got %d", c.Worker.Slots)
	}
	if c.Load.MaxFilesPerInstance <= 0 {
		return fmt.Errorf("max_files_per_instance must be positive, got %d", c.Load.MaxFilesPerInstance)
	}
	return nil
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Load.DefaultTimeoutSecond) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
