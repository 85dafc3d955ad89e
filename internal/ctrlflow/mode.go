package ctrlflow

import (
	"fmt"
	"strings"
)

// Mode controls which decoder routines are flattened.
type Mode int

const (
	ModeOff Mode = iota
	// ModeAuto obfuscates routines with at least one branch.
	ModeAuto
	// ModeAll obfuscates every routine, including straight-line wrappers.
	ModeAll
)

// Enabled reports whether the mode enables any control-flow obfuscation.
func (m Mode) Enabled() bool {
	return m != ModeOff
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAuto:
		return "auto"
	case ModeAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseMode converts a setting value into a Mode. Boolean spellings are
// accepted; true selects ModeAll.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "off", "0", "false", "none", "":
		return ModeOff, nil
	case "auto":
		return ModeAuto, nil
	case "all", "1", "true", "on":
		return ModeAll, nil
	default:
		return ModeOff, fmt.Errorf("invalid controlflow mode %q", value)
	}
}
