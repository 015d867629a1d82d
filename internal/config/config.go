package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "500ms" in config.toml
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all configuration settings for the application
type Config struct {
	// ListenAddr is the address and port for the web server
	ListenAddr string `toml:"listen_addr"`

	// SerialPort is the default serial device used when a request does not name one
	SerialPort string `toml:"serial_port"`

	// GPIOTool is the GPIO command-line utility used to toggle the reset line
	GPIOTool string `toml:"gpio_tool"`

	// ResetLine is the GPIO line identifier passed to GPIOTool
	ResetLine string `toml:"reset_line"`

	// ProgrammerTool is the flashing tool binary (avrdude)
	ProgrammerTool string `toml:"programmer_tool"`

	// TempDir is the designated temporary area for downloaded and uploaded images
	TempDir string `toml:"temp_dir"`

	// LogDir is where flashnode.log is written
	LogDir string `toml:"log_dir"`

	// DatabasePath is the path to the SQLite operation history database
	DatabasePath string `toml:"database_path"`

	// ProfilesPath points at an optional YAML file of board presets
	ProfilesPath string `toml:"profiles_path"`

	ResetSettle       Duration `toml:"reset_settle"`
	BootloaderSettle  Duration `toml:"bootloader_settle"`
	RestartPulse      Duration `toml:"restart_pulse"`
	ProgrammerTimeout Duration `toml:"programmer_timeout"`

	// ArtifactMaxAge is how old a leftover image in TempDir may get before the sweeper removes it
	ArtifactMaxAge Duration `toml:"artifact_max_age"`

	// HistoryRetention is how long finished operations are kept in the database
	HistoryRetention Duration `toml:"history_retention"`

	// MaintenanceSchedule is the cron spec of the sweep and prune job
	MaintenanceSchedule string `toml:"maintenance_schedule"`

	// RequirePort rejects requests whose serial device does not exist
	RequirePort bool `toml:"require_port"`
}

// defaultConfig returns the default configuration
func defaultConfig() *Config {
	return &Config{
		ListenAddr:        DefaultListenAddr,
		SerialPort:        DefaultSerialPort,
		GPIOTool:          DefaultGPIOTool,
		ResetLine:         DefaultResetLine,
		ProgrammerTool:    DefaultProgrammerTool,
		TempDir:           filepath.Join(os.TempDir(), "flashnode"),
		LogDir:            "./logs",
		DatabasePath:      "flashnode.db",
		ProfilesPath:      "profiles.yaml",
		ResetSettle:       Duration{DefaultResetSettle},
		BootloaderSettle:  Duration{DefaultBootloaderSettle},
		RestartPulse:      Duration{DefaultRestartPulse},
		ProgrammerTimeout: Duration{DefaultProgrammerTimeout},
		ArtifactMaxAge:    Duration{DefaultArtifactMaxAge},

		HistoryRetention:    Duration{DefaultHistoryRetention},
		MaintenanceSchedule: DefaultMaintenanceSchedule,
	}
}

// Load loads the configuration from config.toml and environment variables
func Load() (*Config, error) {
	return LoadFrom("config.toml")
}

// LoadFrom loads the configuration from the given TOML file (if it exists) and environment variables
func LoadFrom(configPath string) (*Config, error) {
	config := defaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	listenAddr, err := NormalizeListenAddr(config.ListenAddr)
	if err != nil {
		return nil, err
	}
	config.ListenAddr = listenAddr

	if !filepath.IsAbs(config.TempDir) {
		absPath, err := filepath.Abs(config.TempDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for temp_dir: %w", err)
		}
		config.TempDir = absPath
	}

	return config, nil
}

func applyEnv(config *Config) error {
	if listenAddr := os.Getenv("LISTEN_ADDR"); listenAddr != "" {
		config.ListenAddr = listenAddr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		config.DatabasePath = dbPath
	}

	stringVars := map[string]*string{
		"FLASHNODE_SERIAL_PORT":     &config.SerialPort,
		"FLASHNODE_GPIO_TOOL":       &config.GPIOTool,
		"FLASHNODE_RESET_LINE":      &config.ResetLine,
		"FLASHNODE_PROGRAMMER_TOOL": &config.ProgrammerTool,
		"FLASHNODE_TEMP_DIR":        &config.TempDir,
		"FLASHNODE_LOG_DIR":         &config.LogDir,
		"FLASHNODE_PROFILES_PATH":   &config.ProfilesPath,
		"FLASHNODE_MAINTENANCE":     &config.MaintenanceSchedule,
	}
	for key, target := range stringVars {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	durations := map[string]*Duration{
		"FLASHNODE_RESET_SETTLE":       &config.ResetSettle,
		"FLASHNODE_BOOTLOADER_SETTLE":  &config.BootloaderSettle,
		"FLASHNODE_RESTART_PULSE":      &config.RestartPulse,
		"FLASHNODE_PROGRAMMER_TIMEOUT": &config.ProgrammerTimeout,
		"FLASHNODE_ARTIFACT_MAX_AGE":   &config.ArtifactMaxAge,
		"FLASHNODE_HISTORY_RETENTION":  &config.HistoryRetention,
	}
	for key, target := range durations {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := target.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if value := os.Getenv("FLASHNODE_REQUIRE_PORT"); value != "" {
		config.RequirePort = value == "true" || value == "1"
	}

	return nil
}

// Validate checks that required settings are present
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.GPIOTool == "" || c.ResetLine == "" {
		return fmt.Errorf("gpio_tool and reset_line must not be empty")
	}
	if c.ProgrammerTool == "" {
		return fmt.Errorf("programmer_tool must not be empty")
	}
	if c.TempDir == "" {
		return fmt.Errorf("temp_dir must not be empty")
	}
	if c.ResetSettle.Duration < 0 || c.BootloaderSettle.Duration < 0 || c.RestartPulse.Duration < 0 {
		return fmt.Errorf("settle and pulse intervals must not be negative")
	}
	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("ListenAddr: %s", c.ListenAddr))
	parts = append(parts, fmt.Sprintf("SerialPort: %s", c.SerialPort))
	parts = append(parts, fmt.Sprintf("ResetLine: %s %s", c.GPIOTool, c.ResetLine))
	parts = append(parts, fmt.Sprintf("ProgrammerTool: %s", c.ProgrammerTool))
	parts = append(parts, fmt.Sprintf("TempDir: %s", c.TempDir))
	parts = append(parts, fmt.Sprintf("DatabasePath: %s", c.DatabasePath))
	return strings.Join(parts, ", ")
}
