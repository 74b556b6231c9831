package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cvpn/internal/domain"
)

type Tunnel struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	XORKey int    `json:"xor_key"`
}

type Encryption struct {
	LibraryPath string `json:"library_path"`
	Algorithm   string `json:"algorithm"`
	Key         string `json:"key"`
}

type Logging struct {
	Level  string `json:"level"`
	File   string `json:"file"`
	Format string `json:"format"`
}

type Config struct {
	ServerMode     string `json:"server_mode"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"max_connections"`
	BufferSize     int    `json:"buffer_size"`
	Timeout        int    `json:"timeout"` // seconds

	Tunnel     Tunnel     `json:"tunnel"`
	Encryption Encryption `json:"encryption"`
	Logging    Logging    `json:"logging"`
}

func Default() Config {
	return Config{
		ServerMode:     "both",
		Host:           "0.0.0.0",
		Port:           8080,
		MaxConnections: 100,
		BufferSize:     4096,
		Timeout:        30,
		Tunnel: Tunnel{
			Host:   "127.0.0.1",
			Port:   8081,
			XORKey: 42,
		},
		Encryption: Encryption{
			Algorithm: "xor",
			Key:       "DefaultKey123",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a JSON config file over the defaults. Unknown keys are
// ignored; missing keys keep their defaults. An unreadable or
// malformed file is a startup error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Tunnel.XORKey < 0 || cfg.Tunnel.XORKey > 255 {
		return nil, fmt.Errorf("xor_key %d out of range [0,255]", cfg.Tunnel.XORKey)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max_connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer_size must be positive, got %d", cfg.BufferSize)
	}

	return &cfg, nil
}

func (c *Config) Role() (domain.Role, error) {
	switch strings.ToLower(c.ServerMode) {
	case "", "both":
		return domain.RoleBoth, nil
	case "local":
		return domain.RoleLocal, nil
	case "remote":
		return domain.RoleRemote, nil
	}
	return 0, fmt.Errorf("unknown server_mode %q", c.ServerMode)
}

func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
