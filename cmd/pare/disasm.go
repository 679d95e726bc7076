package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/session"
)

// ---------------------------------------------------------------------------
// pare disasm: print the methods of a bundle
// ---------------------------------------------------------------------------

// handleDisasmCommand processes the `pare disasm` subcommand.
// Usage:
//
//	pare disasm bundle.cbor          # every class
//	pare disasm bundle.cbor p/Main   # one class
func handleDisasmCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pare disasm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(stderr, "Usage: pare disasm bundle.cbor [class]")
		return 2
	}
	b, err := readBundle(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	only := fs.Arg(1)
	found := false
	for _, c := range b.Classes {
		if only != "" && c.Name != only {
			continue
		}
		found = true
		for _, m := range c.Methods {
			fmt.Fprint(stdout, classfile.DisassembleMethod(c.Name, m))
		}
	}
	if !found {
		fmt.Fprintf(stderr, "Error: no class %s in %s\n", only, fs.Arg(0))
		return 1
	}
	return 0
}

// dumpChanged prints the methods a run rewrote.
func dumpChanged(w io.Writer, b *classfile.Bundle, sum session.Summary) {
	changed := make(map[string]bool)
	for _, o := range sum.Outcomes {
		if o.Skipped || o.Err != nil {
			continue
		}
		if o.Shrink.Changed() || o.Variables.After != o.Variables.Before {
			changed[o.Class+"."+o.Method] = true
		}
	}
	for _, c := range b.Classes {
		for _, m := range c.Methods {
			if changed[c.Name+"."+m.Name+m.Descriptor] {
				fmt.Fprint(w, classfile.DisassembleMethod(c.Name, m))
			}
		}
	}
}
