package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const cliConfigName = ".gridq.yaml"

type CLIConfig struct {
	ServerAddr string `yaml:"server_addr" mapstructure:"server_addr"`
	AdminURL   string `yaml:"admin_url" mapstructure:"admin_url"`
}

// DefaultCLIConfigPath returns ~/.gridq.yaml.
func DefaultCLIConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, cliConfigName), nil
}

// NewCLIViper returns a viper instance layered as flags > GRIDQ_* env >
// config file > defaults. A missing config file is not an error.
func NewCLIViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("admin_url", "http://127.0.0.1:8081")

	v.SetEnvPrefix("GRIDQ")
	v.AutomaticEnv()

	if path == "" {
		var err error
		if path, err = DefaultCLIConfigPath(); err != nil {
			return v, nil
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return v, nil
}

func LoadCLIConfig(v *viper.Viper) (*CLIConfig, error) {
	var cfg CLIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SaveCLIConfig(path string, cfg *CLIConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewEncoder(f).Encode(cfg)
}
