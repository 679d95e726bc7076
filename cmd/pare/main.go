// Pare CLI - shrinks the methods of a class bundle
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/config"
	"github.com/chazu/pare/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line args and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "disasm" {
		return handleDisasmCommand(args[1:], stdout, stderr)
	}

	fs := flag.NewFlagSet("pare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "Output bundle (default: overwrite the input)")
	configDir := fs.String("config", ".", "Directory to search upwards for pare.toml")
	verbosity := fs.Int("v", 0, "Log verbosity (1 info, 2 debug)")
	logFile := fs.String("log", "", "Log to this file instead of stderr")
	conservative := fs.Bool("conservative", false, "Keep every instruction that may throw")
	propagate := fs.Bool("propagate", false, "Propagate values across methods")
	passes := fs.Int("passes", 0, "Number of passes (overrides pare.toml)")
	workers := fs.Int("workers", 0, "Concurrent methods (overrides pare.toml)")
	dump := fs.Bool("dump", false, "Print the disassembly of changed methods")
	dryRun := fs.Bool("n", false, "Do not write the output bundle")
	stats := fs.Bool("stats", false, "Print how often each opcode was removed")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pare [options] bundle.cbor\n")
		fmt.Fprintf(stderr, "       pare disasm bundle.cbor [class]\n\n")
		fmt.Fprintf(stderr, "Removes unneeded instructions and compacts the variables of every method.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	input := fs.Arg(0)
	if *output == "" {
		*output = input
	}

	var path *string
	if *logFile != "" {
		path = logFile
	}
	commonlog.Configure(*verbosity, path)

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if cfg == nil {
		cfg = config.Default()
	}
	// Flags given explicitly override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "conservative":
			cfg.Analysis.Conservative = *conservative
		case "propagate":
			cfg.Analysis.Propagate = *propagate
		case "passes":
			cfg.Run.Passes = *passes
		case "workers":
			cfg.Run.Workers = *workers
		}
	})

	bundle, err := readBundle(input)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var opts session.Options
	removed := newOpcodeCounter()
	if *stats {
		opts.Deleted = removed.count
	}
	s, err := session.New(ctx, cfg, bundle.ClassPath(), opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sum, err := s.ProcessClasses(ctx, bundle.Classes)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%d methods: %d changed, %d skipped, %d failed, %d instructions removed\n",
		sum.Methods, sum.Changed, sum.Skipped, sum.Failed, sum.Removed)
	for _, o := range sum.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(stderr, "%s.%s: %v\n", o.Class, o.Method, o.Err)
		}
	}
	if *stats {
		removed.print(stdout)
	}
	if *dump {
		dumpChanged(stdout, bundle, sum)
	}

	if *dryRun {
		return 0
	}
	if err := writeBundle(*output, bundle); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if sum.Failed > 0 {
		return 3
	}
	return 0
}

func readBundle(path string) (*classfile.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	b, err := classfile.UnmarshalBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func writeBundle(path string, b *classfile.Bundle) error {
	data, err := classfile.MarshalBundle(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// opcodeCounter counts removed instructions per opcode. The shrinker calls
// it from several workers.
type opcodeCounter struct {
	mu sync.Mutex
	n  map[classfile.Opcode]int
}

func newOpcodeCounter() *opcodeCounter {
	return &opcodeCounter{n: make(map[classfile.Opcode]int)}
}

func (c *opcodeCounter) count(_ *classfile.Class, _ *classfile.Method, in classfile.Instruction) {
	c.mu.Lock()
	c.n[in.Op]++
	c.mu.Unlock()
}

func (c *opcodeCounter) print(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]classfile.Opcode, 0, len(c.n))
	for op := range c.n {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if c.n[ops[i]] != c.n[ops[j]] {
			return c.n[ops[i]] > c.n[ops[j]]
		}
		return ops[i] < ops[j]
	})
	for _, op := range ops {
		fmt.Fprintf(w, "%8d  %s\n", c.n[op], op)
	}
}
