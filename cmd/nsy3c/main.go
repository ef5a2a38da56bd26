// cmd/nsy3c/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nsy3c/internal/module"
)

// command aliases, the same small lookup table the teacher's own
// cmd/sentra/main.go uses instead of a CLI framework.
var commandAliases = map[string]string{
	"b": "build",
	"r": "runspec",
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	var err error
	switch cmd {
	case "build":
		err = buildCommand(args[1:])
	case "runspec":
		err = runspecCommand(args[1:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "nsy3c: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsy3c: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  nsy3c build [-o output] [-name modname] <file>")
	fmt.Fprintln(os.Stderr, "  nsy3c runspec [-o output] <entry> [<searchpath>...]")
}

// buildCommand wraps the driver surface's compile(source, fname, modname)
// entry point: read the source file, compile it, write the resulting
// two-record wire image next to it (or to -o).
func buildCommand(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	out := fs.String("o", "", "output path (default: <file> with its extension swapped for .nsy3c)")
	name := fs.String("name", "", "module name (default: derived from the file's base name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	file := fs.Arg(0)

	modname := *name
	if modname == "" {
		modname = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}

	compiled, err := module.CompileFile(file, modname)
	if err != nil {
		return err
	}

	output := *out
	if output == "" {
		output = strings.TrimSuffix(file, filepath.Ext(file)) + ".nsy3c"
	}
	return os.WriteFile(output, compiled.Bytes, 0o644)
}

// runspecCommand wraps the driver surface's runspec(entry, search_paths)
// entry point.
func runspecCommand(args []string) error {
	fs := flag.NewFlagSet("runspec", flag.ExitOnError)
	out := fs.String("o", "", "output path (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	entry := fs.Arg(0)
	searchPaths := fs.Args()[1:]
	if len(searchPaths) == 0 {
		searchPaths = []string{filepath.Dir(entry)}
	}

	archive, err := module.BuildRunspec(entry, searchPaths)
	if err != nil {
		return err
	}

	if *out == "" {
		_, err := os.Stdout.Write(archive)
		return err
	}
	return os.WriteFile(*out, archive, 0o644)
}
