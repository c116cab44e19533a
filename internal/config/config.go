package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRconPort is the game server's stock RCON port.
const DefaultRconPort = 25575

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	ServersDir string           `yaml:"servers_dir"`
	Rcon       RconConfig       `yaml:"rcon"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logs       LogsConfig       `yaml:"logs"`
	Control    ControlConfig    `yaml:"control"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RconConfig struct {
	Host        string        `yaml:"host"`
	DefaultPort int           `yaml:"default_port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

type SupervisorConfig struct {
	// LaunchCommand is run with the install directory as working dir.
	LaunchCommand    []string      `yaml:"launch_command"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	KillTimeout      time.Duration `yaml:"kill_timeout"`
	LockFile         string        `yaml:"lock_file"`
}

type MonitorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	CPUSample    time.Duration `yaml:"cpu_sample"`
}

type LogsConfig struct {
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RateLimit    int           `yaml:"rate_limit"`
	RateWindow   time.Duration `yaml:"rate_window"`
}

type ControlConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func defaultLaunchCommand() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "/c", "server_start.bat"}
	}
	return []string{"sh", "server_start.sh"}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 9001,
			Host: "0.0.0.0",
		},
		ServersDir: "cached_minecraft_servers",
		Rcon: RconConfig{
			Host:        "localhost",
			DefaultPort: DefaultRconPort,
			DialTimeout: 5 * time.Second,
			IOTimeout:   5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			LaunchCommand:    defaultLaunchCommand(),
			LivenessInterval: 5 * time.Second,
			StopGrace:        30 * time.Second,
			KillTimeout:      5 * time.Second,
		},
		Monitor: MonitorConfig{
			TickInterval: time.Second,
			CPUSample:    100 * time.Millisecond,
		},
		Logs: LogsConfig{
			File:         "logs/latest.log",
			PollInterval: 500 * time.Millisecond,
			RateLimit:    100,
			RateWindow:   time.Second,
		},
		Control: ControlConfig{
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if len(c.Supervisor.LaunchCommand) == 0 {
		return errors.New("supervisor.launch_command is empty")
	}
	if c.Logs.RateLimit <= 0 {
		return fmt.Errorf("logs.rate_limit must be positive, got %d", c.Logs.RateLimit)
	}
	for name, d := range map[string]time.Duration{
		"supervisor.liveness_interval": c.Supervisor.LivenessInterval,
		"monitor.tick_interval":        c.Monitor.TickInterval,
		"logs.poll_interval":           c.Logs.PollInterval,
		"logs.rate_window":             c.Logs.RateWindow,
		"control.heartbeat_interval":   c.Control.HeartbeatInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// RconPort returns port, or the configured default when port is unset.
func (c *Config) RconPort(port int) int {
	if port > 0 {
		return port
	}
	if c.Rcon.DefaultPort > 0 {
		return c.Rcon.DefaultPort
	}
	return DefaultRconPort
}
