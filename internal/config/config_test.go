package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %v, want %v", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SerialPort != "/dev/ttyS7" {
		t.Errorf("SerialPort = %v, want /dev/ttyS7", cfg.SerialPort)
	}
	if cfg.GPIOTool != "gpio" || cfg.ResetLine != "7" {
		t.Errorf("reset line = %s %s, want gpio 7", cfg.GPIOTool, cfg.ResetLine)
	}
	if cfg.ResetSettle.Duration != 500*time.Millisecond {
		t.Errorf("ResetSettle = %v, want 500ms", cfg.ResetSettle.Duration)
	}
	if cfg.RestartPulse.Duration != 100*time.Millisecond {
		t.Errorf("RestartPulse = %v, want 100ms", cfg.RestartPulse.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name           string
		configContent  string
		envVars        map[string]string
		wantErr        bool
		wantListenAddr string
		wantSerialPort string
		wantTimeout    time.Duration
	}{
		{
			name:           "no config file",
			wantListenAddr: DefaultListenAddr,
			wantSerialPort: DefaultSerialPort,
			wantTimeout:    DefaultProgrammerTimeout,
		},
		{
			name: "config file overrides defaults",
			configContent: `
listen_addr = "127.0.0.1:9000"
serial_port = "/dev/ttyUSB0"
programmer_timeout = "30s"
`,
			wantListenAddr: "127.0.0.1:9000",
			wantSerialPort: "/dev/ttyUSB0",
			wantTimeout:    30 * time.Second,
		},
		{
			name: "environment overrides config file",
			configContent: `
listen_addr = "127.0.0.1:9000"
serial_port = "/dev/ttyUSB0"
`,
			envVars: map[string]string{
				"LISTEN_ADDR":                  ":7000",
				"FLASHNODE_SERIAL_PORT":        "/dev/ttyACM0",
				"FLASHNODE_PROGRAMMER_TIMEOUT": "10s",
			},
			wantListenAddr: ":7000",
			wantSerialPort: "/dev/ttyACM0",
			wantTimeout:    10 * time.Second,
		},
		{
			name:          "invalid toml",
			configContent: `listen_addr = `,
			wantErr:       true,
		},
		{
			name:          "invalid duration",
			configContent: `reset_settle = "soon"`,
			wantErr:       true,
		},
		{
			name:    "invalid duration in environment",
			envVars: map[string]string{"FLASHNODE_RESET_SETTLE": "later"},
			wantErr: true,
		},
		{
			name:          "empty gpio tool",
			configContent: `gpio_tool = ""`,
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"LISTEN_ADDR", "DATABASE_PATH", "FLASHNODE_SERIAL_PORT", "FLASHNODE_PROGRAMMER_TIMEOUT", "FLASHNODE_RESET_SETTLE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			configPath := filepath.Join(t.TempDir(), "config.toml")
			if tt.configContent != "" {
				if err := os.WriteFile(configPath, []byte(tt.configContent), 0600); err != nil {
					t.Fatal(err)
				}
			}

			cfg, err := LoadFrom(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFrom() error = %v", err)
			}

			if cfg.ListenAddr != tt.wantListenAddr {
				t.Errorf("ListenAddr = %v, want %v", cfg.ListenAddr, tt.wantListenAddr)
			}
			if cfg.SerialPort != tt.wantSerialPort {
				t.Errorf("SerialPort = %v, want %v", cfg.SerialPort, tt.wantSerialPort)
			}
			if cfg.ProgrammerTimeout.Duration != tt.wantTimeout {
				t.Errorf("ProgrammerTimeout = %v, want %v", cfg.ProgrammerTimeout.Duration, tt.wantTimeout)
			}
			if !filepath.IsAbs(cfg.TempDir) {
				t.Errorf("TempDir should be absolute, got %s", cfg.TempDir)
			}
		})
	}
}

func TestLoadMaintenanceSettings(t *testing.T) {
	t.Setenv("FLASHNODE_REQUIRE_PORT", "true")
	t.Setenv("FLASHNODE_HISTORY_RETENTION", "")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
history_retention = "72h"
maintenance_schedule = "0 3 * * *"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.HistoryRetention.Duration != 72*time.Hour {
		t.Errorf("HistoryRetention = %v, want 72h", cfg.HistoryRetention.Duration)
	}
	if cfg.MaintenanceSchedule != "0 3 * * *" {
		t.Errorf("MaintenanceSchedule = %q", cfg.MaintenanceSchedule)
	}
	if !cfg.RequirePort {
		t.Error("RequirePort should be enabled from the environment")
	}
}
