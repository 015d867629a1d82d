// Package profiles provides named board presets for programmer options.
package profiles

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ontree-co/flashnode/internal/programmer"
)

// ErrUnknownProfile is returned when a request names a profile that does not exist
var ErrUnknownProfile = errors.New("unknown board profile")

// Profile is a named set of option defaults for one kind of board
type Profile struct {
	Name        string `json:"name" yaml:"-"`
	Description string `json:"description" yaml:"description"`

	programmer.Options `json:"options" yaml:",inline"`
}

// Apply layers the profile over base. Set fields of the profile win; flags are only ever turned on.
func (p Profile) Apply(base programmer.Options) programmer.Options {
	o := base
	if p.Part != "" {
		o.Part = p.Part
	}
	if p.Programmer != "" {
		o.Programmer = p.Programmer
	}
	if p.Port != "" {
		o.Port = p.Port
	}
	if p.Baud != "" {
		o.Baud = p.Baud
	}
	if p.BitClock != "" {
		o.BitClock = p.BitClock
	}
	if p.ConfigFile != "" {
		o.ConfigFile = p.ConfigFile
	}

	o.DisableAutoErase = o.DisableAutoErase || p.DisableAutoErase
	o.DisableVerify = o.DisableVerify || p.DisableVerify
	o.Verbose = o.Verbose || p.Verbose
	o.ExtraVerbose = o.ExtraVerbose || p.ExtraVerbose
	o.Quiet = o.Quiet || p.Quiet
	o.Force = o.Force || p.Force
	o.EraseChip = o.EraseChip || p.EraseChip

	if len(p.ExtendedParams) > 0 {
		o.ExtendedParams = append(append([]string{}, p.ExtendedParams...), base.ExtendedParams...)
	}
	if len(p.MemoryOperations) > 0 {
		o.MemoryOperations = append(append([]string{}, p.MemoryOperations...), base.MemoryOperations...)
	}
	return o
}

func builtin() map[string]Profile {
	return map[string]Profile{
		"uno": {
			Description: "Arduino Uno / ATmega328P with Optiboot",
			Options:     programmer.Options{Part: "atmega328p", Programmer: "arduino", Baud: "115200"},
		},
		"nano-old": {
			Description: "Arduino Nano with the old ATmegaBOOT bootloader",
			Options:     programmer.Options{Part: "atmega328p", Programmer: "arduino", Baud: "57600"},
		},
		"pro-mini-8mhz": {
			Description: "Arduino Pro Mini 3.3V / 8 MHz",
			Options:     programmer.Options{Part: "atmega328p", Programmer: "arduino", Baud: "57600"},
		},
		"mega2560": {
			Description: "Arduino Mega 2560 with the stk500v2 bootloader",
			Options:     programmer.Options{Part: "atmega2560", Programmer: "wiring", Baud: "115200", DisableAutoErase: true},
		},
	}
}

type file struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Registry holds the available profiles
type Registry struct {
	profiles map[string]Profile
}

// Builtin returns a registry with only the built-in profiles
func Builtin() *Registry {
	r := &Registry{profiles: builtin()}
	for name, p := range r.profiles {
		p.Name = name
		r.profiles[name] = p
	}
	return r
}

// Load reads profiles from a YAML file and merges them over the built-in ones.
// A missing file is not an error.
func Load(path string) (*Registry, error) {
	r := Builtin()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	for name, p := range f.Profiles {
		if name == "" {
			return nil, fmt.Errorf("profiles file %s: profile with empty name", path)
		}
		for _, op := range p.MemoryOperations {
			if err := programmer.ValidateMemoryOperation(op); err != nil {
				return nil, fmt.Errorf("profile %q: %w", name, err)
			}
		}
		p.Name = name
		r.profiles[name] = p
	}
	return r, nil
}

// Get returns the profile with the given name
func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Names returns the profile names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all profiles sorted by name
func (r *Registry) List() []Profile {
	names := r.Names()
	list := make([]Profile, 0, len(names))
	for _, name := range names {
		list = append(list, r.profiles[name])
	}
	return list
}
