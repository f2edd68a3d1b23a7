// cmd/tala/main.go
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"tala/internal/bytecode"
	verr "tala/internal/errors"
	"tala/internal/vm"
)

const VERSION = "0.1.0"

// Command aliases mapping
var commandAliases = map[string]string{
	"r": "run",
	"d": "disasm",
	"v": "version",
}

var useColor = isatty.IsTerminal(os.Stderr.Fd())

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		return
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "run":
		if len(args) < 2 {
			fail(errors.New("usage: tala run <chunk.tbc> [--gc-stats]"))
		}
		if err := runChunk(args[1], hasFlag(args[2:], "--gc-stats")); err != nil {
			fail(err)
		}
	case "disasm":
		if len(args) < 2 {
			fail(errors.New("usage: tala disasm <chunk.tbc>"))
		}
		if err := disasmChunk(args[1]); err != nil {
			fail(err)
		}
	case "version":
		fmt.Printf("tala %s\n", VERSION)
	default:
		showUsage()
		os.Exit(2)
	}
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func showUsage() {
	fmt.Println("Tala bytecode runtime")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tala run <chunk.tbc>      run a precompiled chunk")
	fmt.Println("  tala disasm <chunk.tbc>   list a chunk's instructions")
	fmt.Println("  tala version              print the version")
}

func fail(err error) {
	if useColor {
		log.Fatalf("\x1b[31m%v\x1b[0m", err)
	}
	log.Fatal(err)
}

func runChunk(path string, gcStats bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open chunk")
	}
	defer f.Close()

	s := vm.NewState()
	if status := s.Load(f, path, "b"); status != verr.StatusOK {
		return errors.Errorf("load %s: %s", path, s.ToString(-1))
	}
	if status := s.PCall(0, vm.MaxResults, 0); status != verr.StatusOK {
		return errors.Errorf("%s: %s", status, s.ToString(-1))
	}
	for i := 1; i <= s.GetTop(); i++ {
		fmt.Println(s.ToString(i))
	}
	if gcStats {
		kb := s.GC(vm.GCCount, 0)
		rem := s.GC(vm.GCCountB, 0)
		total := uint64(kb)*1024 + uint64(rem)
		fmt.Fprintf(os.Stderr, "heap (vm accounting): %s\n", humanize.Bytes(total))
	}
	return nil
}

func disasmChunk(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open chunk")
	}
	defer f.Close()

	p, err := bytecode.Undump(f)
	if err != nil {
		return errors.Wrap(err, "undump")
	}
	printProto(p, 0)
	return nil
}

func printProto(p *bytecode.Prototype, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	src := p.Source
	if src == "" {
		src = "?"
	}
	fmt.Printf("%sfunction <%s:%d> (%d instructions, %d constants, %d upvalues)\n",
		indent, src, p.LineDefined, len(p.Code), len(p.K), len(p.Upvals))
	for pc, inst := range p.Code {
		op := inst.OpCode()
		switch op.Mode() {
		case bytecode.ModeABx:
			fmt.Printf("%s  [%d]\t%s\t%d %d\n", indent, pc+1, op, inst.A(), inst.Bx())
		case bytecode.ModeAsBx:
			fmt.Printf("%s  [%d]\t%s\t%d %d\n", indent, pc+1, op, inst.A(), inst.SBx())
		case bytecode.ModeAx:
			fmt.Printf("%s  [%d]\t%s\t%d\n", indent, pc+1, op, inst.Ax())
		default:
			fmt.Printf("%s  [%d]\t%s\t%d %d %d\n", indent, pc+1, op, inst.A(), inst.B(), inst.C())
		}
	}
	for _, sub := range p.Protos {
		printProto(sub, depth+1)
	}
}
