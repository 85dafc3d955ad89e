package main

import (
	"fmt"
	"os"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/interp"
	"github.com/AeonDave/constprot/internal/sample"
)

func wantArgs(cmd string, args []string, n int, names string) error {
	if len(args) != n {
		fmt.Fprintf(os.Stderr, "usage: constprot %s %s\n", cmd, names)
		return errUsage
	}
	return nil
}

func cmdAsm(args []string) error {
	if err := wantArgs("asm", args, 2, "in.txtar out.mod"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	m, err := bytecode.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if err := bytecode.Verify(m); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return writeModule(args[1], m)
}

func cmdDis(args []string) error {
	if err := wantArgs("dis", args, 1, "in.mod"); err != nil {
		return err
	}
	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(bytecode.Format(m))
	return err
}

func cmdRun(args []string) error {
	if err := wantArgs("run", args, 1, "in.mod"); err != nil {
		return err
	}
	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	code, err := interp.New(m, os.Stdout).Run()
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

func cmdHash(args []string) error {
	if err := wantArgs("hash", args, 1, "in.mod"); err != nil {
		return err
	}
	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	sum, err := bytecode.HashHex(m)
	if err != nil {
		return err
	}
	fmt.Println(sum)
	return nil
}

func cmdSample(args []string) error {
	if err := wantArgs("sample", args, 1, "out.mod"); err != nil {
		return err
	}
	m, err := sample.Module()
	if err != nil {
		return err
	}
	return writeModule(args[0], m)
}
