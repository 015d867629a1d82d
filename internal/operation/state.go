package operation

// State is the phase an operation is in
type State int

// Operation phases, in the order a successful run passes through them
const (
	StateIdle State = iota
	StateStarting
	StateInReset
	StateBootloaderReady
	StateFlashing
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateInReset:
		return "in_reset"
	case StateBootloaderReady:
		return "bootloader_ready"
	case StateFlashing:
		return "flashing"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}
