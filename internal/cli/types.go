package cli

import "time"

// Exit codes
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
)

// ProgressEvent streams progress updates from long-running operations.
type ProgressEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// FlashRequest is what the flash command collected from its flags.
type FlashRequest struct {
	Profile          string
	ImagePath        string
	URL              string
	Part             string
	Programmer       string
	Port             string
	Baud             string
	BitClock         string
	ConfigFile       string
	DisableAutoErase bool
	DisableVerify    bool
	Verbose          bool
	ExtraVerbose     bool
	Quiet            bool
	Force            bool
	EraseChip        bool
	ExtendedParams   []string
	MemoryOperations []string
}

// Port is a serial port listing result.
type Port struct {
	Name      string `json:"name"`
	IsUSB     bool   `json:"is_usb"`
	VID       string `json:"vid,omitempty"`
	PID       string `json:"pid,omitempty"`
	Probed    bool   `json:"probed"`
	Available bool   `json:"available,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Profile is a board profile listing result.
type Profile struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Part        string `json:"part,omitempty"`
	Programmer  string `json:"programmer,omitempty"`
	Baud        string `json:"baud,omitempty"`
}

// Operation is a history listing result.
type Operation struct {
	ID        string    `json:"id"`
	Type      string    `json:"operation_type"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Check is the result of one host check.
type Check struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}
