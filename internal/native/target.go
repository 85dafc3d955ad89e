package native

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// ErrUnsupportedTarget is returned for targets the x86 encoding cannot serve.
var ErrUnsupportedTarget = errors.New("x86 stubs require a 386 or amd64 target")

var supportedOS = []string{"linux", "windows", "darwin", "freebsd", "netbsd", "openbsd"}

// CheckTarget reports whether x86 stubs may be emitted for t.
func CheckTarget(t bytecode.Target) error {
	if _, err := Mode(t.Arch); err != nil {
		return err
	}
	if !slices.Contains(supportedOS, t.OS) {
		return fmt.Errorf("%w: unsupported OS %q", ErrUnsupportedTarget, t.OS)
	}
	return nil
}

// Mode returns the x86asm decoding mode for arch.
func Mode(arch string) (int, error) {
	switch arch {
	case "386":
		return 32, nil
	case "amd64":
		return 64, nil
	}
	return 0, fmt.Errorf("%w: got arch %q", ErrUnsupportedTarget, arch)
}
