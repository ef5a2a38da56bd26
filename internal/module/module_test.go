package module

import (
	"os"
	"path/filepath"
	"testing"

	"nsy3c/internal/errors"
)

func TestCompileRoundTripsHeader(t *testing.T) {
	cm, err := Compile("x = 1\n", "main.nsy3", "main")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	fname, imports, name, moduleID, err := ReadHeader(cm.Bytes)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if fname != "main.nsy3" {
		t.Fatalf("expected fname main.nsy3, got %q", fname)
	}
	if name != "main" {
		t.Fatalf("expected name main, got %q", name)
	}
	if len(imports) != 0 {
		t.Fatalf("expected no imports, got %v", imports)
	}
	if moduleID == "" {
		t.Fatalf("expected a non-empty module_id")
	}
	if moduleID != cm.ModuleID {
		t.Fatalf("header module_id %q did not match Compiled.ModuleID %q", moduleID, cm.ModuleID)
	}
}

func TestCompileRecordsImports(t *testing.T) {
	cm, err := Compile("import a.b.c\n", "main.nsy3", "main")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(cm.Imports) != 1 || cm.Imports[0] != "a.b.c" {
		t.Fatalf("expected imports [a.b.c], got %v", cm.Imports)
	}
	_, imports, _, _, err := ReadHeader(cm.Bytes)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if len(imports) != 1 || imports[0] != "a.b.c" {
		t.Fatalf("expected header imports [a.b.c], got %v", imports)
	}
}

func TestCompileFileReadsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "greet.nsy3")
	if err := os.WriteFile(src, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cm, err := CompileFile(src, "greet")
	if err != nil {
		t.Fatalf("compile file: %v", err)
	}
	if cm.Name != "greet" {
		t.Fatalf("expected name greet, got %q", cm.Name)
	}
}

func TestCompileFileMissingIsIOError(t *testing.T) {
	_, err := CompileFile(filepath.Join(t.TempDir(), "missing.nsy3"), "missing")
	if err == nil {
		t.Fatalf("expected an error for a missing source file")
	}
	nerr, ok := err.(*errors.NsyError)
	if !ok || nerr.Type != errors.IoError {
		t.Fatalf("expected an IoError, got %v", err)
	}
}

// AddFile resolves a dotted import across a search path, compiling both
// the entry and the module it imports, and writes a .nsy3c sibling next
// to each source file.
func TestRunspecAddFileResolvesImports(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "helper.nsy3"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	entry := filepath.Join(dir, "main.nsy3")
	if err := os.WriteFile(entry, []byte("import helper\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	r := NewRunspec([]string{dir})
	if err := r.AddFile(entry); err != nil {
		t.Fatalf("add file: %v", err)
	}

	if len(r.files) != 2 {
		t.Fatalf("expected 2 compiled files, got %v", r.files)
	}
	if len(r.modules) != 2 {
		t.Fatalf("expected 2 module names, got %v", r.modules)
	}

	for _, want := range []string{
		filepath.Join(dir, "main.nsy3c"),
		filepath.Join(dir, "helper.nsy3c"),
	} {
		if _, err := os.Stat(want); err != nil {
			t.Fatalf("expected %s to exist: %v", want, err)
		}
	}
}

func TestRunspecAddFileMissingImportIsError(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "main.nsy3")
	if err := os.WriteFile(entry, []byte("import nowhere\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	r := NewRunspec([]string{dir})
	if err := r.AddFile(entry); err == nil {
		t.Fatalf("expected an error resolving a missing import")
	}
}

func TestRunspecToBytesWithoutConclusion(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "main.nsy3")
	if err := os.WriteFile(entry, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	r := NewRunspec([]string{dir})
	if err := r.AddFile(entry); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if r.BuildID == "" {
		t.Fatalf("expected a non-empty build id")
	}
	data, err := r.ToBytes()
	if err != nil {
		t.Fatalf("to bytes: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty archive bytes")
	}
}

func TestBuildRunspecEndToEnd(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "main.nsy3")
	if err := os.WriteFile(entry, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}
	data, err := BuildRunspec(entry, []string{dir})
	if err != nil {
		t.Fatalf("build runspec: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty archive bytes")
	}
}

// moduleNameFor drops a trailing __main__ path segment, matching
// nsy3/execution.py's compile_file.
func TestModuleNameForDropsMainSegment(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fname := filepath.Join(pkgDir, "__main__.nsy3")

	r := NewRunspec([]string{dir})
	name := r.moduleNameFor(fname)
	if name != "pkg" {
		t.Fatalf("expected module name pkg, got %q", name)
	}
}
