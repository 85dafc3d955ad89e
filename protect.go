package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/cache"
	"github.com/AeonDave/constprot/internal/project"
	"github.com/AeonDave/constprot/internal/protect"
)

func cmdProtect(args []string) error {
	fs := flag.NewFlagSet("protect", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: constprot protect [flags] in [out]\n\n")
		fs.PrintDefaults()
	}
	var (
		overrides = make(map[string]string)
		setting   = func(name, help string) {
			fs.Func(name, help, func(v string) error {
				overrides[name] = v
				return nil
			})
		}
		configPath = fs.String("config", "", "read settings from a constprot.toml `file`")
		dumpCFG    = fs.String("dumpcfg", "", "write DOT graphs of obfuscated decoder routines to `dir`")
		cacheDir   = fs.String("cache", "", "reuse protected modules from `dir` (requires a seed)")
	)
	setting(protect.SettingMode, "encoding `mode`: normal, dynamic or x86")
	setting(protect.SettingCFG, "control-flow obfuscation of the decoder: off, auto or all")
	setting(protect.SettingCFGParams, "control-flow `params`, e.g. \"flatten_passes=2 flatten_hardening=xor\"")
	setting(protect.SettingElements, "constant `kinds` to protect, letters of SNPI (empty for SI, 0 for none)")
	setting(protect.SettingSeed, "hex seed or passphrase for reproducible output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 1 && len(rest) != 2 {
		fs.Usage()
		return errUsage
	}
	in := rest[0]

	// Without -config, a constprot.toml next to the input or in one of its
	// parent directories applies.
	var (
		proj *project.Project
		err  error
	)
	if *configPath != "" {
		proj, err = project.Load(*configPath)
	} else if proj, err = project.Find(filepath.Dir(in)); proj != nil {
		log.Infof("using settings from %s", filepath.Join(proj.Dir, project.FileName))
	}
	if err != nil {
		return err
	}
	cfg, err := proj.Config(overrides)
	if err != nil {
		return err
	}

	var out string
	switch {
	case len(rest) == 2:
		out = rest[1]
	case proj != nil && proj.Output.Path != "":
		out = proj.Path(proj.Output.Path)
	default:
		fs.Usage()
		return errUsage
	}
	if *dumpCFG == "" && proj != nil {
		*dumpCFG = proj.Path(proj.Output.DumpCFG)
	}

	mod, err := loadModule(in)
	if err != nil {
		return err
	}

	var (
		store    *cache.Store
		actionID [32]byte
	)
	if *cacheDir != "" {
		if cfg.Seed == nil {
			return fmt.Errorf("-cache needs a fixed seed")
		}
		if store, err = cache.Open(*cacheDir); err != nil {
			return err
		}
		inHash, err := bytecode.HashHex(mod)
		if err != nil {
			return err
		}
		actionID = cache.ActionID(inHash, cfg.Settings(), cfg.Seed)
		if data, ok := store.Get(actionID, cfg.Seed); ok {
			cached, err := bytecode.Unmarshal(data)
			if err == nil {
				fmt.Printf("cached %s\n", out)
				return writeModule(out, cached)
			}
			log.Warningf("discarding unreadable cache entry: %v", err)
		}
	}

	protected, rep, err := protect.Protect(context.Background(), mod, cfg)
	if err != nil {
		return err
	}
	if err := writeModule(out, protected); err != nil {
		return err
	}
	if store != nil {
		data, err := bytecode.Marshal(protected)
		if err != nil {
			return err
		}
		if err := store.Put(actionID, cfg.Seed, data); err != nil {
			log.Warningf("cannot cache %s: %v", out, err)
		}
	}
	if *dumpCFG != "" {
		if err := dumpGraphs(*dumpCFG, rep); err != nil {
			return err
		}
	}
	printReport(rep)
	return nil
}

func dumpGraphs(dir string, rep *protect.Report) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	names := make([]string, 0, len(rep.Graphs))
	for name := range rep.Graphs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		path := filepath.Join(dir, name+".dot")
		if err := os.WriteFile(path, []byte(rep.Graphs[name].DOT()), 0o666); err != nil {
			return err
		}
	}
	log.Infof("wrote %d graphs to %s", len(names), dir)
	return nil
}

func printReport(rep *protect.Report) {
	fmt.Printf("mode %s, cfg %s, elements %s\n", rep.Mode, rep.CFG, rep.Elements)
	fmt.Printf("sites %d, entries %d, skipped %d, pinned %d\n", rep.Sites, rep.Entries, len(rep.Skipped), rep.Pinned)
	fmt.Printf("input  %s\n", rep.InputHash)
	fmt.Printf("output %s\n", rep.OutputHash)
	if rep.InputHash == rep.OutputHash {
		fmt.Println("unchanged")
	}
}
