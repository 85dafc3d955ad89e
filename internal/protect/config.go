package protect

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AeonDave/constprot/internal/consts"
	"github.com/AeonDave/constprot/internal/ctrlflow"
	"github.com/AeonDave/constprot/internal/literals"
)

// Config selects what a run protects and how.
type Config struct {
	Mode      literals.Mode
	CFG       ctrlflow.Mode
	CFGParams ctrlflow.Params
	Elements  consts.Mask
	// Seed is the SeedSize-byte run secret. A nil Seed draws a fresh one.
	Seed []byte
	// Workers bounds the concurrent collection tasks; <= 0 is unbounded.
	Workers int
}

// DefaultConfig protects strings and initializers in normal mode without
// control-flow obfuscation.
func DefaultConfig() Config {
	return Config{
		Mode:      literals.ModeNormal,
		CFG:       ctrlflow.ModeOff,
		CFGParams: ctrlflow.DefaultParams(),
		Elements:  consts.DefaultMask,
	}
}

// ConfigError reports an option that cannot be used. It is always returned
// before the input module is touched.
type ConfigError struct {
	Option string
	Value  string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Option, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var errUnknownOption = errors.New("unknown option")

// Setting names accepted by ParseSettings.
const (
	SettingMode      = "mode"
	SettingCFG       = "cfg"
	SettingCFGParams = "cfg_params"
	SettingElements  = "elements"
	SettingSeed      = "seed"
)

var settingNames = []string{SettingMode, SettingCFG, SettingCFGParams, SettingElements, SettingSeed}

// ParseSettings builds a Config from a settings map such as
//
//	mode=dynamic cfg=true elements=SNPI
//
// Missing settings keep their defaults. Seeds are parsed with
// literals.ParseSeed.
func ParseSettings(settings map[string]string) (Config, error) {
	cfg := DefaultConfig()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := settings[k]
		var err error
		switch k {
		case SettingMode:
			cfg.Mode, err = literals.ParseMode(v)
		case SettingCFG:
			cfg.CFG, err = ctrlflow.ParseMode(v)
		case SettingCFGParams:
			cfg.CFGParams, err = ctrlflow.ParseParams(v)
		case SettingElements:
			cfg.Elements, err = consts.ParseMask(v)
		case SettingSeed:
			if strings.TrimSpace(v) == "" {
				err = errors.New("empty seed")
				break
			}
			cfg.Seed = literals.ParseSeed(v)
		default:
			err = fmt.Errorf("%w, want one of %s", errUnknownOption, strings.Join(settingNames, ", "))
		}
		if err != nil {
			return cfg, &ConfigError{Option: k, Value: v, Err: err}
		}
	}
	return cfg, nil
}

// Settings renders cfg back into a settings map. The seed is never
// included.
func (c Config) Settings() map[string]string {
	return map[string]string{
		SettingMode:      c.Mode.String(),
		SettingCFG:       c.CFG.String(),
		SettingCFGParams: c.CFGParams.String(),
		SettingElements:  c.Elements.String(),
	}
}
