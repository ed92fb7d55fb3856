package config

import (
	"fmt"
	"time"

	"github.com/loykin/tenantd/internal/logger"
	"github.com/loykin/tenantd/internal/registry/factory"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Host        string `toml:"host" mapstructure:"host"`
	Port        int    `toml:"port" mapstructure:"port"`
	AdminKey    string `toml:"admin_key" mapstructure:"admin_key"`
	DisableAuth bool   `toml:"disable_auth" mapstructure:"disable_auth"`
	AutoCreate  bool   `toml:"auto_create" mapstructure:"auto_create"`
	RootPath    string `toml:"root_path" mapstructure:"root_path"`
	DataRoot    string `toml:"data_root" mapstructure:"data_root"`
	LogRoot     string `toml:"log_root" mapstructure:"log_root"`

	Worker WorkerConfig   `toml:"worker" mapstructure:"worker"`
	Store  factory.Config `toml:"store" mapstructure:"store"`
	Log    logger.Config  `toml:"log" mapstructure:"log"`
}

// WorkerConfig controls how tenant worker processes are launched and watched.
type WorkerConfig struct {
	Command          string        `toml:"command" mapstructure:"command"`
	BasePort         int           `toml:"base_port" mapstructure:"base_port"`
	GracePeriod      time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	ReadyTimeout     time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	RequestTimeout   time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	Stagger          time.Duration `toml:"stagger" mapstructure:"stagger"`
	WatchdogWarmup   time.Duration `toml:"watchdog_warmup" mapstructure:"watchdog_warmup"`
	WatchdogInterval time.Duration `toml:"watchdog_interval" mapstructure:"watchdog_interval"`
}

// Defaults returns the configuration used when no file or flag overrides it.
func Defaults() FileConfig {
	return FileConfig{
		Host:     "0.0.0.0",
		Port:     8000,
		DataRoot: "data",
		LogRoot:  "logs",
		Worker: WorkerConfig{
			BasePort:         9000,
			GracePeriod:      60 * time.Second,
			ReadyTimeout:     15 * time.Second,
			RequestTimeout:   60 * time.Second,
			Stagger:          100 * time.Millisecond,
			WatchdogWarmup:   10 * time.Second,
			WatchdogInterval: 5 * time.Second,
		},
		Store: factory.Config{Type: "memory"},
		Log:   logger.Config{Level: "info"},
	}
}

// Load reads a TOML config file and merges it over Defaults.
func Load(path string) (FileConfig, error) {
	fc := Defaults()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fc, err
	}
	if err := v.Unmarshal(&fc); err != nil {
		return fc, err
	}
	if err := fc.Validate(); err != nil {
		return fc, err
	}
	return fc, nil
}

// Validate rejects configurations the daemon cannot run with.
func (fc FileConfig) Validate() error {
	if fc.Port <= 0 || fc.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", fc.Port)
	}
	if fc.Worker.BasePort <= 0 || fc.Worker.BasePort > 65535 {
		return fmt.Errorf("invalid worker base port %d", fc.Worker.BasePort)
	}
	if fc.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if !fc.DisableAuth && fc.AdminKey == "" {
		return fmt.Errorf("admin_key is required unless disable_auth is set")
	}
	return nil
}
