package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Listen ListenConfig `koanf:"listen"`
	Host   HostConfig   `koanf:"host"`
	Log    LogConfig    `koanf:"log"`
}

type ListenConfig struct {
	Addr            string `koanf:"addr"`
	Token           string `koanf:"token"`
	AllowQueryToken bool   `koanf:"allowquerytoken"`
}

type HostConfig struct {
	Command          string   `koanf:"command"`
	Args             []string `koanf:"args"`
	Cwd              string   `koanf:"cwd"`
	RequestTimeoutMs int      `koanf:"requesttimeoutms"`
	TurnTimeoutMs    int      `koanf:"turntimeoutms"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"listen.addr":            "127.0.0.1:8765",
		"listen.token":           "",
		"listen.allowquerytoken": false,
		"host.command":           "",
		"host.args":              []string{},
		"host.cwd":               "",
		"host.requesttimeoutms":  int(10 * time.Minute / time.Millisecond),
		"host.turntimeoutms":     int(10 * time.Minute / time.Millisecond),
		"log.level":              "info",
	}
}

// loadConfig layers defaults, an optional TOML file, and THREADBRIDGE_
// environment variables (THREADBRIDGE_LISTEN_ADDR -> listen.addr).
func loadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("THREADBRIDGE_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "THREADBRIDGE_"))
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Host.Command == "" {
		return nil, fmt.Errorf("host.command is required (or THREADBRIDGE_HOST_COMMAND)")
	}
	return &cfg, nil
}

func (c *Config) hostRequestTimeout() time.Duration {
	return time.Duration(c.Host.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) turnTimeout() time.Duration {
	return time.Duration(c.Host.TurnTimeoutMs) * time.Millisecond
}
