package config

import "time"

// Listen address constants
const (
	// DefaultListenAddr is the default bind address for the flashnode server
	DefaultListenAddr = "0.0.0.0:5000"

	// TestListenAddr is the address used for E2E tests to avoid conflicts
	TestListenAddr = "127.0.0.1:5001"
)

// Hardware defaults
const (
	// DefaultSerialPort is the serial device the programmer talks to
	DefaultSerialPort = "/dev/ttyS7"

	// DefaultGPIOTool is the command-line GPIO utility used to drive the reset line
	DefaultGPIOTool = "gpio"

	// DefaultResetLine is the GPIO line wired to the target's reset pin
	DefaultResetLine = "7"

	// DefaultProgrammerTool is the flashing tool binary
	DefaultProgrammerTool = "avrdude"
)

// Timing defaults
const (
	DefaultResetSettle       = 500 * time.Millisecond
	DefaultBootloaderSettle  = 500 * time.Millisecond
	DefaultRestartPulse      = 100 * time.Millisecond
	DefaultProgrammerTimeout = 2 * time.Minute
	DefaultArtifactMaxAge    = time.Hour
	DefaultHistoryRetention  = 30 * 24 * time.Hour
)

// DefaultMaintenanceSchedule runs the temp sweep and history prune every 15 minutes
const DefaultMaintenanceSchedule = "@every 15m"
