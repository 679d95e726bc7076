package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/pare/classfile"
)

// writeTestBundle stores a class with one method that computes a value it
// never uses.
func writeTestBundle(t *testing.T) string {
	t.Helper()
	b := classfile.NewBuilder()
	b.EmitInt(5)
	b.EmitInt(3)
	b.Emit(classfile.OpIAdd)
	b.EmitLocal(classfile.OpIStore, 4)
	b.Emit(classfile.OpReturn)
	c := &classfile.Class{Name: "p/A", Super: "java/lang/Object", Pool: classfile.NewPool()}
	c.Methods = append(c.Methods, &classfile.Method{
		Access:     classfile.AccPublic | classfile.AccStatic,
		Name:       "f",
		Descriptor: "()V",
		Code:       b.Code(2, 5),
	})

	path := filepath.Join(t.TempDir(), "in.cbor")
	if err := writeBundle(path, &classfile.Bundle{Classes: []*classfile.Class{c}}); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunShrinksBundle(t *testing.T) {
	in := writeTestBundle(t)
	out := filepath.Join(filepath.Dir(in), "out.cbor")

	code, stdout, stderr := runCLI("-config", filepath.Dir(in), "-o", out, "-stats", "-dump", in)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "1 methods: 1 changed") {
		t.Errorf("summary missing:\n%s", stdout)
	}
	if !strings.Contains(stdout, "iadd") {
		t.Errorf("stats do not list iadd:\n%s", stdout)
	}
	if !strings.Contains(stdout, "p/A.f()V stack=2 locals=0") {
		t.Errorf("dump missing the rewritten method:\n%s", stdout)
	}

	b, err := readBundle(out)
	if err != nil {
		t.Fatal(err)
	}
	ins, err := b.Classes[0].Methods[0].Code.Instructions()
	if err != nil {
		t.Fatal(err)
	}
	if len(ins) != 1 || ins[0].Op != classfile.OpReturn {
		t.Errorf("output method = %v, want [return]", ins)
	}
}

func TestRunDryRunLeavesInputAlone(t *testing.T) {
	in := writeTestBundle(t)
	before, err := os.ReadFile(in)
	if err != nil {
		t.Fatal(err)
	}

	if code, _, stderr := runCLI("-config", filepath.Dir(in), "-n", in); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}

	after, err := os.ReadFile(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("dry run rewrote the input")
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no bundle", nil, 2},
		{"two bundles", []string{"a.cbor", "b.cbor"}, 2},
		{"unknown flag", []string{"-bogus", "a.cbor"}, 2},
		{"missing file", []string{filepath.Join(os.TempDir(), "pare-missing.cbor")}, 1},
		{"disasm without bundle", []string{"disasm"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCLI(tt.args...); code != tt.want {
				t.Errorf("exit %d, want %d", code, tt.want)
			}
		})
	}
}

func TestDisasmCommand(t *testing.T) {
	in := writeTestBundle(t)

	code, stdout, stderr := runCLI("disasm", in, "p/A")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"p/A.f()V stack=2 locals=5", "iadd", "return"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, stdout)
		}
	}

	if code, _, _ := runCLI("disasm", in, "p/Missing"); code != 1 {
		t.Errorf("unknown class: exit %d, want 1", code)
	}
}
