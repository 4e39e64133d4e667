// ia32sim drives the CPU core from the command line: run a program to
// completion or single-step through it with a raw-terminal keypress per
// instruction.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/k0kubun/pp/v3"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"ia32sim/cpu"
)

var cli struct {
	Run  runCmd  `cmd:"" default:"1" help:"load a program and run it to completion"`
	Step stepCmd `cmd:"" help:"load a program and single-step through it interactively"`
}

func main() {
	ctx := kong.Parse(&cli, kong.Name("ia32sim"), kong.Description("an IA-32-style processor simulator"))
	ctx.FatalIfErrorf(ctx.Run())
}

type runCmd struct {
	Program    string `arg:"" type:"existingfile" help:"path to a flat binary image"`
	LoadAddr   uint32 `name:"addr" default:"4096" help:"virtual address to load the program at"`
	MemorySize uint32 `name:"mem" default:"65536" help:"physical memory size in bytes"`
}

func (r *runCmd) Run() error {
	program, err := os.ReadFile(r.Program)
	if err != nil {
		return err
	}
	c := cpu.New(r.MemorySize)
	if err := c.LoadProgram(program, r.LoadAddr); err != nil {
		return err
	}
	if err := c.RunUntilBreakpoint(); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	dumpState(c)
	return nil
}

type stepCmd struct {
	Program    string `arg:"" type:"existingfile" help:"path to a flat binary image"`
	LoadAddr   uint32 `name:"addr" default:"4096" help:"virtual address to load the program at"`
	MemorySize uint32 `name:"mem" default:"65536" help:"physical memory size in bytes"`
}

func (s *stepCmd) Run() error {
	program, err := os.ReadFile(s.Program)
	if err != nil {
		return err
	}
	c := cpu.New(s.MemorySize)
	if err := c.LoadProgram(program, s.LoadAddr); err != nil {
		return err
	}

	restore, err := enterRawMode(os.Stdin.Fd())
	if err != nil {
		// Not a terminal (piped input, CI): fall back to running freely.
		return s.runFreely(c)
	}
	defer restore()

	banner(os.Stdout, "ia32sim interactive step — press any key to step, q to quit")
	buf := make([]byte, 1)
	for !c.IsHalted() {
		if _, err := os.Stdin.Read(buf); err != nil {
			return err
		}
		if buf[0] == 'q' {
			break
		}
		if err := c.Step(); err != nil {
			dumpState(c)
			return fmt.Errorf("step failed: %w", err)
		}
		dumpState(c)
	}
	return nil
}

func (s *stepCmd) runFreely(c *cpu.CPU) error {
	for !c.IsHalted() {
		if err := c.Step(); err != nil {
			dumpState(c)
			return fmt.Errorf("step failed: %w", err)
		}
	}
	dumpState(c)
	return nil
}

func dumpState(c *cpu.CPU) {
	pp.Println(c.GetState())
	pp.Println(c.GetStatistics())
}

func banner(w *os.File, msg string) {
	if isatty.IsTerminal(w.Fd()) {
		fmt.Fprintln(colorable.NewColorable(w), "\x1b[1;36m"+msg+"\x1b[0m")
		return
	}
	fmt.Fprintln(w, msg)
}
