// Constprot hides the literal constants of bytecode modules behind generated
// decoders.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/AeonDave/constprot/internal/bytecode"
)

var log = commonlog.GetLogger("constprot")

var errUsage = errors.New("usage")

// exitCode ends the process with a status other than 1 without printing an
// error, as run does with the program's own exit code.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func usage() {
	fmt.Fprint(os.Stderr, `Usage: constprot [-v N] command [arguments]

Commands:
  protect [flags] in out   protect the constants of a module
  asm in.txtar out.mod     assemble a module
  dis in.mod               print the assembly of a module
  run in.mod               execute a module and exit with its code
  hash in.mod              print the content hash of a module
  sample out.mod           write the reference program

Modules ending in .txtar are read and written as assembly.
Run 'constprot protect -h' for the protect flags.
`)
}

func main() { os.Exit(main1()) }

func main1() int {
	flagSet := flag.NewFlagSet("constprot", flag.ContinueOnError)
	flagSet.Usage = usage
	verbosity := flagSet.Int("v", 0, "log verbosity; higher logs more, -1 disables logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return 2
	}
	commonlog.Configure(*verbosity, nil)

	args := flagSet.Args()
	if len(args) == 0 {
		usage()
		return 2
	}
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "protect":
		err = cmdProtect(rest)
	case "asm":
		err = cmdAsm(rest)
	case "dis":
		err = cmdDis(rest)
	case "run":
		err = cmdRun(rest)
	case "hash":
		err = cmdHash(rest)
	case "sample":
		err = cmdSample(rest)
	case "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return 2
	}

	var code exitCode
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	case errors.As(err, &code):
		return int(code)
	}
	fmt.Fprintf(os.Stderr, "constprot: %v\n", err)
	return 1
}

func isAsm(path string) bool { return strings.EqualFold(filepath.Ext(path), ".txtar") }

// loadModule reads a binary or assembly module and verifies it.
func loadModule(path string) (*bytecode.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m *bytecode.Module
	if isAsm(path) {
		m, err = bytecode.Parse(data)
	} else {
		m, err = bytecode.Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := bytecode.Verify(m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func writeModule(path string, m *bytecode.Module) error {
	var data []byte
	if isAsm(path) {
		data = bytecode.Format(m)
	} else {
		var err error
		if data, err = bytecode.Marshal(m); err != nil {
			return err
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return err
		}
	}
	log.Debugf("writing %s (%d bytes)", path, len(data))
	return os.WriteFile(path, data, 0o666)
}
