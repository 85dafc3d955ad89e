package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/consts"
	"github.com/AeonDave/constprot/internal/ctrlflow"
	"github.com/AeonDave/constprot/internal/literals"
	"github.com/AeonDave/constprot/internal/protect"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `
[protect]
mode = "x86"
cfg = "all"
elements = "SNPI"
seed = "reproducible"
workers = 2

[ctrlflow]
flatten_passes = 2
junk_jumps = 0
hardening = ["xor", "delegate_table"]

[output]
path = "out/protected.mod"
dump_cfg = "/tmp/cfg"
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Protect.Mode != "x86" {
		t.Errorf("mode = %q, want x86", p.Protect.Mode)
	}
	if p.Dir != dir {
		t.Errorf("dir = %q, want %q", p.Dir, dir)
	}
	qt.Assert(t, qt.Equals(p.Path(p.Output.Path), filepath.Join(dir, "out", "protected.mod")))
	qt.Assert(t, qt.Equals(p.Path(p.Output.DumpCFG), "/tmp/cfg"))

	cfg, err := p.Config(nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(cfg.Mode, literals.ModeX86))
	qt.Assert(t, qt.Equals(cfg.CFG, ctrlflow.ModeAll))
	qt.Assert(t, qt.Equals(cfg.Elements, consts.MaskAll))
	qt.Assert(t, qt.DeepEquals(cfg.Seed, literals.ParseSeed("reproducible")))
	qt.Assert(t, qt.Equals(cfg.Workers, 2))

	want := ctrlflow.DefaultParams()
	want.FlattenPasses = 2
	want.JunkJumps = 0
	want.Hardening = []string{"xor", "delegate_table"}
	qt.Assert(t, qt.DeepEquals(cfg.CFGParams, want))
}

func TestConfigOverrides(t *testing.T) {
	p, err := Load(writeFile(t, t.TempDir(), "[protect]\nmode = \"dynamic\"\nelements = \"S\"\n"))
	qt.Assert(t, qt.IsNil(err))
	cfg, err := p.Config(map[string]string{protect.SettingMode: "normal"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(cfg.Mode, literals.ModeNormal))
	qt.Assert(t, qt.Equals(cfg.Elements, consts.MaskString))
	qt.Assert(t, qt.DeepEquals(cfg.CFGParams, ctrlflow.DefaultParams()))

	// a nil project is the defaults
	var none *Project
	cfg, err = none.Config(nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(cfg, protect.DefaultConfig()))
}

func TestConfigErrors(t *testing.T) {
	p, err := Load(writeFile(t, t.TempDir(), "[protect]\nmode = \"rot13\"\n"))
	qt.Assert(t, qt.IsNil(err))
	_, err = p.Config(nil)
	var cerr *protect.ConfigError
	qt.Assert(t, qt.ErrorAs(err, &cerr))
	qt.Assert(t, qt.Equals(cerr.Option, "mode"))

	p, err = Load(writeFile(t, t.TempDir(), "[ctrlflow]\nhardening = [\"rot13\"]\n"))
	qt.Assert(t, qt.IsNil(err))
	_, err = p.Config(nil)
	qt.Assert(t, qt.ErrorAs(err, &cerr))
	qt.Assert(t, qt.Equals(cerr.Option, "cfg_params"))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, t.TempDir(), "[protect]\nmdoe = \"x86\"\n"))
	qt.Assert(t, qt.ErrorMatches(err, `.*unknown keys: protect.mdoe`))

	_, err = Load(writeFile(t, t.TempDir(), "[protect\n"))
	qt.Assert(t, qt.ErrorMatches(err, `parse error in .*`))

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	qt.Assert(t, qt.ErrorMatches(err, `cannot read .*`))
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "[protect]\nmode = \"dynamic\"\n")
	sub := filepath.Join(root, "a", "b")
	qt.Assert(t, qt.IsNil(os.MkdirAll(sub, 0o755)))

	p, err := Find(sub)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(p))
	qt.Assert(t, qt.Equals(p.Dir, root))
	qt.Assert(t, qt.Equals(p.Protect.Mode, "dynamic"))
}
