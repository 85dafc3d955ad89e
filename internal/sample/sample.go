// Package sample holds the reference program used to check that protected
// modules behave like their input.
package sample

import (
	_ "embed"

	"github.com/AeonDave/constprot/internal/bytecode"
)

//go:embed sample.txtar
var Source []byte

const (
	Output   = "START\n123456\n3\nTest3\nEND\n"
	ExitCode = 42
)

// Module assembles a fresh copy of the reference program.
func Module() (*bytecode.Module, error) {
	return bytecode.Parse(Source)
}
