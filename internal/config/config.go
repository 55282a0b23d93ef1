package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Python  PythonConfig  `yaml:"python"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr string    `yaml:"listen_addr"`
	TLS        TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM file paths. mTLS is enabled when CACert is set.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

type PythonConfig struct {
	Interpreter   string   `yaml:"interpreter"`
	WrapperModule string   `yaml:"wrapper_module"`
	WorkDir       string   `yaml:"work_dir"`
	Env           []string `yaml:"env"`
}

type SessionConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Python: PythonConfig{
			Interpreter:   "python3",
			WrapperModule: "server.wrappers.module",
		},
		Session: SessionConfig{
			PollInterval: time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Development: true,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Python.Interpreter == "" {
		return fmt.Errorf("python.interpreter is required")
	}
	if c.Python.WrapperModule == "" {
		return fmt.Errorf("python.wrapper_module is required")
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive, got %s", c.Session.PollInterval)
	}
	tls := c.Server.TLS
	if tls.CACert != "" && (tls.Cert == "" || tls.Key == "") {
		return fmt.Errorf("server.tls.cert and server.tls.key are required with server.tls.ca_cert")
	}
	return nil
}
