package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/angariumd/gridq/internal/models"
)

type ControllerConfig struct {
	Addr      string `yaml:"addr"`
	AdminAddr string `yaml:"admin_addr"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	LivenessThreshold time.Duration `yaml:"liveness_threshold"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	// Applied to submissions that carry no priority or timeout.
	DefaultPriority       int `yaml:"default_priority"`
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	// Zero disables the limit.
	MaxPending  int     `yaml:"max_pending"`
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Addr:                  ":8080",
		AdminAddr:             "127.0.0.1:8081",
		DBPath:                "gridq.db",
		LogLevel:              "info",
		LogFormat:             "text",
		MonitorInterval:       5 * time.Second,
		LivenessThreshold:     30 * time.Second,
		WriteTimeout:          10 * time.Second,
		DefaultPriority:       models.DefaultPriority,
		DefaultTimeoutSeconds: models.DefaultTimeoutSeconds,
		SubmitBurst:           1,
	}
}

func (c ControllerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor_interval must be positive, got %s", c.MonitorInterval))
	}
	if c.LivenessThreshold <= c.MonitorInterval {
		errs = append(errs, fmt.Errorf("liveness_threshold %s must exceed monitor_interval %s", c.LivenessThreshold, c.MonitorInterval))
	}
	if c.DefaultPriority < models.MinPriority || c.DefaultPriority > models.MaxPriority {
		errs = append(errs, fmt.Errorf("default_priority %d out of range [%d,%d]", c.DefaultPriority, models.MinPriority, models.MaxPriority))
	}
	if c.DefaultTimeoutSeconds < 1 || c.DefaultTimeoutSeconds > models.MaxTimeoutSeconds {
		errs = append(errs, fmt.Errorf("default_timeout_seconds %d out of range [1,%d]", c.DefaultTimeoutSeconds, models.MaxTimeoutSeconds))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max_pending must not be negative"))
	}
	if c.SubmitRate < 0 || (c.SubmitRate > 0 && c.SubmitBurst < 1) {
		errs = append(errs, fmt.Errorf("submit_rate %v needs submit_burst >= 1", c.SubmitRate))
	}
	return errors.Join(errs...)
}

type AgentConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Hostname   string `yaml:"hostname"`
	WorkDir    string `yaml:"work_dir"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerAddr:        "localhost:8080",
		LogLevel:          "info",
		LogFormat:         "text",
		HeartbeatInterval: 5 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
	}
}

func (c AgentConfig) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server_addr is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.ReconnectDelay <= 0 || c.MaxReconnectDelay < c.ReconnectDelay {
		errs = append(errs, fmt.Errorf("reconnect delays must satisfy 0 < reconnect_delay <= max_reconnect_delay"))
	}
	return errors.Join(errs...)
}

// LoadControllerConfig reads path over the defaults. An empty path yields
// the defaults.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cfg := DefaultControllerConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	return &cfg, nil
}

func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	return &cfg, nil
}

func decodeFile(path string, out any) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
