// Package project handles constprot.toml run configuration.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/AeonDave/constprot/internal/protect"
)

// FileName is the name Find looks for.
const FileName = "constprot.toml"

// Project represents a constprot.toml file.
type Project struct {
	Protect  Protect  `toml:"protect"`
	Ctrlflow Ctrlflow `toml:"ctrlflow"`
	Output   Output   `toml:"output"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`

	meta toml.MetaData
}

// Protect holds the protection settings.
type Protect struct {
	Mode     string `toml:"mode"`
	CFG      string `toml:"cfg"`
	Elements string `toml:"elements"`
	Seed     string `toml:"seed"`
	Workers  int    `toml:"workers"`
}

// Ctrlflow tunes control-flow obfuscation of the decoder.
type Ctrlflow struct {
	BlockSplits   int      `toml:"block_splits"`
	JunkJumps     int      `toml:"junk_jumps"`
	FlattenPasses int      `toml:"flatten_passes"`
	TrashBlocks   int      `toml:"trash_blocks"`
	Hardening     []string `toml:"hardening"`
}

// Output configures where results go. Relative paths are relative to Dir.
type Output struct {
	Path    string `toml:"path"`
	DumpCFG string `toml:"dump_cfg"`
}

// Load parses the file at path. Keys constprot does not know are an error,
// so misspelt settings never pass silently.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var p Project
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	p.meta = md
	p.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return &p, nil
}

// Find walks up from startDir to find a constprot.toml file and loads it.
// It returns nil and no error if there is none.
func Find(startDir string) (*Project, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Settings returns the protect settings the file defines, in the form
// protect.ParseSettings accepts.
func (p *Project) Settings() map[string]string {
	s := make(map[string]string)
	add := func(name, value string) {
		if p.meta.IsDefined("protect", name) {
			s[name] = value
		}
	}
	add(protect.SettingMode, p.Protect.Mode)
	add(protect.SettingCFG, p.Protect.CFG)
	add(protect.SettingElements, p.Protect.Elements)
	add(protect.SettingSeed, p.Protect.Seed)
	if params := p.ctrlflowParams(); params != "" {
		s[protect.SettingCFGParams] = params
	}
	return s
}

func (p *Project) ctrlflowParams() string {
	var fields []string
	for _, kv := range []struct {
		key   string
		value int
	}{
		{"block_splits", p.Ctrlflow.BlockSplits},
		{"junk_jumps", p.Ctrlflow.JunkJumps},
		{"flatten_passes", p.Ctrlflow.FlattenPasses},
		{"trash_blocks", p.Ctrlflow.TrashBlocks},
	} {
		if p.meta.IsDefined("ctrlflow", kv.key) {
			fields = append(fields, kv.key+"="+strconv.Itoa(kv.value))
		}
	}
	if p.meta.IsDefined("ctrlflow", "hardening") && len(p.Ctrlflow.Hardening) > 0 {
		fields = append(fields, "flatten_hardening="+strings.Join(p.Ctrlflow.Hardening, ","))
	}
	return strings.Join(fields, " ")
}

// Config merges the file over the defaults, then overrides on top of
// that; overrides typically come from command-line flags.
func (p *Project) Config(overrides map[string]string) (protect.Config, error) {
	settings := make(map[string]string)
	if p != nil {
		settings = p.Settings()
	}
	for k, v := range overrides {
		settings[k] = v
	}
	cfg, err := protect.ParseSettings(settings)
	if err != nil {
		return cfg, err
	}
	if p != nil {
		cfg.Workers = p.Protect.Workers
	}
	return cfg, nil
}

// Path resolves a path from the file relative to its directory.
func (p *Project) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}
