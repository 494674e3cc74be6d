// Taffy CLI - runs compiled Taffy program images.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/taffylang/taffy/manifest"
	"github.com/taffylang/taffy/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("taffy")

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	trace := flag.Bool("trace", false, "Trace every executed instruction to stderr")
	dump := flag.Bool("dump", false, "Disassemble the image instead of running it")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taffy [options] [image] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Taffy program image. Without an image argument,\n")
		fmt.Fprintf(os.Stderr, "the image configured in the nearest taffy.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taffy out.taffy            # Run an image\n")
		fmt.Fprintf(os.Stderr, "  taffy out.taffy hello      # Run, passing \"hello\" as a text argument\n")
		fmt.Fprintf(os.Stderr, "  taffy -dump out.taffy      # Show the image's instructions\n")
	}
	flag.Parse()
	commonlog.Configure(*verbose, nil)

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	imagePath := flag.Arg(0)
	if imagePath == "" {
		if m == nil {
			flag.Usage()
			os.Exit(2)
		}
		imagePath = m.ImagePath()
	}

	prog, err := loadImage(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	log.Infof("loaded %s: %d instructions, %d symbols",
		imagePath, len(prog.Instructions), prog.Symbols.Len())

	if *dump {
		fmt.Print(prog.Disassemble())
		return
	}

	var opts []vm.Option
	if m != nil {
		if m.Limits.StackSlots > 0 {
			opts = append(opts, vm.WithMaxStack(m.Limits.StackSlots))
		}
		if m.Limits.HeapWords > 0 {
			opts = append(opts, vm.WithMaxHeapWords(m.Limits.HeapWords))
		}
		if m.Run.Trace {
			*trace = true
		}
	}
	if *trace {
		opts = append(opts, vm.WithTrace(os.Stderr))
	}

	machine := vm.NewMachine(prog, opts...)

	// Positional arguments after the image become entry arguments.
	rest := flag.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}
	if len(rest) != prog.EntryArgCount {
		fmt.Fprintf(os.Stderr, "Error: entry function takes %d arguments, got %d\n",
			prog.EntryArgCount, len(rest))
		os.Exit(2)
	}
	args := make([]vm.Value, len(rest))
	for i, s := range rest {
		args[i] = machine.Heap().NewText(true, s)
	}

	result, err := machine.Run(args...)
	if err != nil {
		var p *vm.Panic
		if errors.As(err, &p) {
			fmt.Fprintf(os.Stderr, "Panic: %s\n", p.Reason)
			if p.ScopeName != "" {
				fmt.Fprintf(os.Stderr, "  in %s\n", p.ScopeName)
			}
			os.Exit(1)
		}
		log.Errorf("%v", err)
		os.Exit(2)
	}

	// A small non-negative integer result doubles as the exit code.
	if result.IsInt() && result.Int() >= 0 && result.Int() < 126 {
		os.Exit(int(result.Int()))
	}
	if !machine.Heap().Equals(result, vm.Nothing()) {
		fmt.Println(vm.DebugText(machine.Heap(), machine.Symbols(), result))
	}
}

func loadImage(path string) (*vm.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return vm.ReadImage(f)
}
