// Package programmer builds and runs avrdude invocations.
package programmer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOptions is returned for option sets that cannot produce a valid invocation
var ErrInvalidOptions = errors.New("invalid programmer options")

// Defaults applied when a request leaves a basic option empty
const (
	DefaultPart       = "atmega328p"
	DefaultProgrammer = "arduino"
	DefaultPort       = "/dev/ttyS7"
	DefaultBaud       = "115200"
)

// Operation labels
const (
	LabelUpload    = "upload"
	LabelOperation = "operation"
)

// memoryFormats are the file formats avrdude accepts in a -U descriptor
const memoryFormats = "isrehmdobaI"

// Options describes one flashing invocation. It is built once per request and not modified afterwards.
type Options struct {
	Part       string `json:"part" yaml:"part"`
	Programmer string `json:"programmer" yaml:"programmer"`
	Port       string `json:"port" yaml:"port"`
	Baud       string `json:"baud" yaml:"baud"`
	BitClock   string `json:"bitclock,omitempty" yaml:"bitclock"`
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file"`

	DisableAutoErase bool `json:"disable_auto_erase,omitempty" yaml:"disable_auto_erase"`
	DisableVerify    bool `json:"disable_verify,omitempty" yaml:"disable_verify"`
	Verbose          bool `json:"verbose,omitempty" yaml:"verbose"`
	ExtraVerbose     bool `json:"extra_verbose,omitempty" yaml:"extra_verbose"`
	Quiet            bool `json:"quiet,omitempty" yaml:"quiet"`
	Force            bool `json:"force,omitempty" yaml:"force"`
	EraseChip        bool `json:"erase_chip,omitempty" yaml:"erase_chip"`

	ExtendedParams   []string `json:"extended_params,omitempty" yaml:"extended_params"`
	MemoryOperations []string `json:"memory_operations,omitempty" yaml:"memory_operations"`

	// ImagePath is the firmware image to write to flash, if any
	ImagePath string `json:"image_path,omitempty" yaml:"-"`
}

// DefaultOptions returns the option set used when a request specifies nothing
func DefaultOptions() Options {
	return Options{
		Part:       DefaultPart,
		Programmer: DefaultProgrammer,
		Port:       DefaultPort,
		Baud:       DefaultBaud,
	}
}

// Label names the kind of operation: "upload" when an image is written, "operation" otherwise
func (o Options) Label() string {
	if o.ImagePath != "" {
		return LabelUpload
	}
	return LabelOperation
}

// HasWork reports whether the invocation would do anything beyond connecting to the target
func (o Options) HasWork() bool {
	return o.ImagePath != "" || len(o.MemoryOperations) > 0 || o.EraseChip
}

// Validate checks the option set before any hardware is touched
func (o Options) Validate() error {
	if strings.TrimSpace(o.Part) == "" {
		return fmt.Errorf("%w: part is required", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.Programmer) == "" {
		return fmt.Errorf("%w: programmer is required", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.Port) == "" {
		return fmt.Errorf("%w: port is required", ErrInvalidOptions)
	}
	if o.Baud != "" {
		for _, r := range o.Baud {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: baud must be numeric, got %q", ErrInvalidOptions, o.Baud)
			}
		}
	}
	for _, param := range o.ExtendedParams {
		if strings.TrimSpace(param) == "" {
			return fmt.Errorf("%w: empty extended parameter", ErrInvalidOptions)
		}
	}
	for _, op := range o.MemoryOperations {
		if err := ValidateMemoryOperation(op); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMemoryOperation checks a `<memory>:<r|w|v>:<data>[:<format>]` descriptor
func ValidateMemoryOperation(op string) error {
	parts := strings.Split(op, ":")
	if len(parts) < 3 {
		return fmt.Errorf("%w: memory operation %q must look like memory:r|w|v:data:format", ErrInvalidOptions, op)
	}

	memory := parts[0]
	if memory == "" {
		return fmt.Errorf("%w: memory operation %q has no memory name", ErrInvalidOptions, op)
	}
	for _, r := range memory {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("%w: invalid memory name %q", ErrInvalidOptions, memory)
		}
	}

	switch parts[1] {
	case "r", "w", "v":
	default:
		return fmt.Errorf("%w: memory operation mode must be r, w or v, got %q", ErrInvalidOptions, parts[1])
	}

	data := parts[2:]
	if len(parts) >= 4 {
		format := parts[len(parts)-1]
		if len(format) != 1 || !strings.Contains(memoryFormats, format) {
			return fmt.Errorf("%w: unknown memory operation format %q", ErrInvalidOptions, format)
		}
		data = parts[2 : len(parts)-1]
	}
	if strings.Join(data, ":") == "" {
		return fmt.Errorf("%w: memory operation %q has no data", ErrInvalidOptions, op)
	}
	return nil
}

// BuildArgs returns the avrdude argument list for o. The order is fixed:
// basic options, flags, bit clock, config file, chip erase, extended parameters,
// the image write and finally the explicit memory operations.
func BuildArgs(o Options) []string {
	args := []string{
		"-p", o.Part,
		"-c", o.Programmer,
		"-P", o.Port,
		"-b", o.Baud,
	}

	if o.DisableAutoErase {
		args = append(args, "-D")
	}
	if o.DisableVerify {
		args = append(args, "-V")
	}
	if o.Verbose {
		args = append(args, "-v")
	}
	if o.ExtraVerbose {
		args = append(args, "-v", "-v")
	}
	if o.Quiet {
		args = append(args, "-q")
	}
	if o.Force {
		args = append(args, "-F")
	}
	if o.BitClock != "" {
		args = append(args, "-B", o.BitClock)
	}
	if o.ConfigFile != "" {
		args = append(args, "-C", o.ConfigFile)
	}
	if o.EraseChip {
		args = append(args, "-e")
	}

	for _, param := range o.ExtendedParams {
		args = append(args, "-x", param)
	}

	if o.ImagePath != "" {
		args = append(args, "-U", fmt.Sprintf("flash:w:%s:a", o.ImagePath))
	}
	for _, op := range o.MemoryOperations {
		args = append(args, "-U", op)
	}

	return args
}
