package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lily-lang/lily"
)

func main() {
	var (
		sourceArg   = flag.String("s", "", "Execute the given code string instead of a file")
		gcStart     = flag.Int("g", 0, "GC start threshold (0 uses the default)")
		interactive = flag.Bool("t", false, "Run an interactive REPL")
		disasmOnly  = flag.Bool("disasm", false, "Print bytecode instead of running it")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lily [-t] [-s code] [-g n] [file]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := lily.NewDefaultOptions()
	opts.Argv = flag.Args()
	if *gcStart > 0 {
		opts.GCStart = *gcStart
	}

	switch {
	case *interactive:
		runREPL(opts)
	case *sourceArg != "":
		runSource(opts, *sourceArg, *disasmOnly)
	case flag.NArg() > 0:
		runFile(opts, flag.Arg(0), *disasmOnly)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func runSource(opts *lily.Options, source string, disasmOnly bool) {
	s := lily.NewState(opts)
	if disasmOnly {
		bc, err := s.Compile(source)
		if err != nil {
			log.Fatal(err)
		}
		lily.DisassembleProgram(os.Stdout, bc)
		return
	}
	if err := s.ParseString("<string>", source); err != nil {
		log.Fatal(err)
	}
}

func runFile(opts *lily.Options, path string, disasmOnly bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal(err)
	}
	runSource(opts, string(data), disasmOnly)
}

// runREPL accumulates one line at a time through ParseChunk, mirroring
// the original implementation's REPL chunk-accumulation loop: a syntax
// error from an incomplete block does not discard what was typed, it
// just waits for the next line.
func runREPL(opts *lily.Options) {
	s := lily.NewState(opts)
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("lily> ")
	for sc.Scan() {
		if err := s.ParseChunk(sc.Text()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		fmt.Print("lily> ")
	}
}
