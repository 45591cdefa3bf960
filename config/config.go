// Package config holds the YAML configuration for programs embedding
// an endpoint (the bench tool, application daemons). Protocol
// constants are not configurable here; see util/envconst for the
// tunables.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"
)

type Config struct {
	Registry RegistryConfig `yaml:"registry" validate:"required"`
	Logging  LoggingConfig  `yaml:"logging,optional" validate:"omitempty"`
	Bench    BenchConfig    `yaml:"bench,optional" validate:"omitempty"`
}

type RegistryConfig struct {
	// BindAddr is the SM UDP bind address; it doubles as the process
	// hostname peers connect to.
	BindAddr string `yaml:"bind_addr" validate:"required,hostname_port"`
	// NumBgWorkers > 0 makes endpoints multi-threaded.
	NumBgWorkers int `yaml:"num_bg_workers,optional" validate:"min=0,max=64"`
}

type LoggingConfig struct {
	Level string `yaml:"level,optional" validate:"omitempty,oneof=debug info warn error"`
}

type BenchConfig struct {
	MsgSize int `yaml:"msg_size,optional" validate:"min=0"`
	Iters   int `yaml:"iters,optional" validate:"min=0"`
}

// applyDefaults fills in the fields the file may omit.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Bench.MsgSize == 0 {
		c.Bench.MsgSize = 64
	}
	if c.Bench.Iters == 0 {
		c.Bench.Iters = 10000
	}
}

func ParseConfig(path string) (*Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if c == nil {
		return nil, errors.New("config is empty or only consists of comments")
	}
	c.applyDefaults()
	if err := validator.New().Struct(c); err != nil {
		return nil, errors.Wrap(err, "config: validate")
	}
	return c, nil
}
