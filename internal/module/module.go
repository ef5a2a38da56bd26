// internal/module/module.go
package module

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"nsy3c/internal/bytecode"
	"nsy3c/internal/compiler"
	"nsy3c/internal/errors"
	"nsy3c/internal/lexer"
	"nsy3c/internal/parser"
	"nsy3c/internal/serializer"
)

// sourceExt/compiledExt mirror nsy3/execution.py's Runspec: a `.nsy3`
// source file compiles to a `.nsy3c` sibling.
const (
	sourceExt   = ".nsy3"
	compiledExt = ".nsy3c"
)

// Compiled is one compiled module's wire bytes plus the header fields the
// runspec assembler needs to keep walking its import graph.
type Compiled struct {
	Fname    string
	Name     string
	ModuleID string
	Imports  []string
	Bytes    []byte // header record immediately followed by body record
}

// Compile lexes, parses, and compiles source into the two-record wire
// format: a header mapping {fname, imports, name, module_id} followed by
// a body mapping {consts, linenotab, code}. This is the package's half of
// the driver surface's `compile(source, fname, modname) -> bytes`.
func Compile(source, fname, modname string) (cm *Compiled, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	scanner := lexer.NewScannerWithFile(source, fname)
	tokens := scanner.ScanTokens()
	p := parser.NewParserWithSource(tokens, source, fname)
	program := p.Parse()

	mod, cerr := compiler.CompileModule(fname, program)
	if cerr != nil {
		return nil, cerr
	}
	return assemble(fname, modname, mod)
}

// CompileFile reads fname and compiles it, the way Runspec.compile_file
// reads its source file fully before parsing.
func CompileFile(fname, modname string) (*Compiled, error) {
	source, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, err, "reading source file %s", fname)
	}
	return Compile(string(source), fname, modname)
}

// assemble lays the entry code and every function body out as one
// contiguous byte image (SEQ(entry, fn1, fn2, ...).resolve_labels(0)),
// resolves FuncRef constants to their absolute byte offsets, computes the
// linenotab from that final layout, and serializes the header/body
// records. Label positions are resolved twice — once locally per
// function during skip analysis, once here globally — which is safe
// because ResolveLabels is idempotent for an unchanged tree.
func assemble(fname, modname string, mod *compiler.Module) (*Compiled, error) {
	funcBodies := make([]*bytecode.Node, len(mod.Functions))
	for i, fp := range mod.Functions {
		funcBodies[i] = fp.Body
	}
	full := bytecode.Seq(append([]*bytecode.Node{mod.Entry}, funcBodies...)...)
	full.ResolveLabels(0)

	offsets := make([]int64, len(mod.Functions))
	for i, fp := range mod.Functions {
		offsets[i] = int64(fp.Body.Pos())
	}

	consts := make([]interface{}, len(mod.Consts))
	for i, v := range mod.Consts {
		if ref, ok := v.(compiler.FuncRef); ok {
			consts[i] = offsets[ref.Index]
		} else {
			consts[i] = v
		}
	}

	linenotab := full.Linenotab()
	full.ResolveLabels(0) // idempotent re-resolution, per spec.md's own finalization order

	code, err := full.ToBytes()
	if err != nil {
		return nil, errors.Wrap(errors.EncodeUnsupported, err, "encoding module %s", modname)
	}

	id := uuid.New().String()

	header := &serializer.Dict{}
	header.Set("fname", fname)
	header.Set("imports", importList(mod.Imports))
	header.Set("name", modname)
	header.Set("module_id", id)

	body := &serializer.Dict{}
	body.Set("consts", consts)
	body.Set("linenotab", linenotabBytes(linenotab))
	body.Set("code", code)

	headerBytes, err := serializer.Serialise(header)
	if err != nil {
		return nil, errors.Wrap(errors.EncodeUnsupported, err, "encoding header for %s", modname)
	}
	bodyBytes, err := serializer.Serialise(body)
	if err != nil {
		return nil, errors.Wrap(errors.EncodeUnsupported, err, "encoding body for %s", modname)
	}

	return &Compiled{
		Fname:    fname,
		Name:     modname,
		ModuleID: id,
		Imports:  mod.Imports,
		Bytes:    append(headerBytes, bodyBytes...),
	}, nil
}

func importList(imports []string) []interface{} {
	out := make([]interface{}, len(imports))
	for i, imp := range imports {
		out[i] = imp
	}
	return out
}

// linenotabBytes packs a position->line table into the fixed-width byte
// string the compiled module's body carries: each entry is an 8-byte
// (u32 position, u32 line) little-endian pair, in ascending position
// order, the same shape bytecode.Node.Linenotab already returns.
func linenotabBytes(tab [][2]uint32) []byte {
	out := make([]byte, 0, len(tab)*8)
	for _, entry := range tab {
		out = appendUint32(out, entry[0])
		out = appendUint32(out, entry[1])
	}
	return out
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// ReadHeader decodes just the leading header record of a compiled
// module's bytes, the way Runspec.read_compiled_header reads only the
// first serialized value from the file without touching the body that
// follows it.
func ReadHeader(data []byte) (fname string, imports []string, name string, moduleID string, err error) {
	val, _, derr := serializer.Deserialise(data)
	if derr != nil {
		return "", nil, "", "", derr
	}
	d, ok := val.(*serializer.Dict)
	if !ok {
		return "", nil, "", "", errors.New(errors.EncodeUnsupported, "compiled module header is not a mapping")
	}
	fname, _ = dictGet(d, "fname").(string)
	name, _ = dictGet(d, "name").(string)
	moduleID, _ = dictGet(d, "module_id").(string)
	if rawImports, ok := dictGet(d, "imports").([]interface{}); ok {
		imports = make([]string, len(rawImports))
		for i, v := range rawImports {
			imports[i], _ = v.(string)
		}
	}
	return fname, imports, name, moduleID, nil
}

func dictGet(d *serializer.Dict, key string) interface{} {
	for i, k := range d.Keys {
		if s, ok := k.(string); ok && s == key {
			return d.Values[i]
		}
	}
	return nil
}

// Runspec accumulates the files discovered while recursively resolving a
// compiled entry's imports, ported from nsy3/execution.py's Runspec class
// (add_fname/compile_file/find_module/to_bytes) and the teacher's
// ModuleLoader search-path conventions.
type Runspec struct {
	SearchPaths []string
	Conclusion  []byte
	BuildID     string

	files   []string
	modules []string
	seen    map[string]bool
}

// NewRunspec builds an assembler over the given search paths, in the
// order they are tried. BuildID identifies this particular archive
// assembly, independent of each module's own ModuleID.
func NewRunspec(searchPaths []string) *Runspec {
	return &Runspec{SearchPaths: searchPaths, seen: map[string]bool{}, BuildID: uuid.New().String()}
}

// AddFile compiles fname (if not already seen) and recursively resolves
// every module it imports, searching each search path in turn.
func (r *Runspec) AddFile(fname string) error {
	if r.seen[fname] {
		return nil
	}
	r.seen[fname] = true

	modname := r.moduleNameFor(fname)
	compiled, err := CompileFile(fname, modname)
	if err != nil {
		return err
	}

	compFname := strings.TrimSuffix(fname, sourceExt) + compiledExt
	if err := writeAtomic(compFname, compiled.Bytes); err != nil {
		return err
	}

	for _, imp := range compiled.Imports {
		impFname, err := r.findModule(imp)
		if err != nil {
			return err
		}
		if err := r.AddFile(impFname); err != nil {
			return err
		}
	}

	r.files = append(r.files, compFname)
	r.modules = append(r.modules, modname)
	return nil
}

// moduleNameFor computes a dotted module name from fname's path relative
// to the nearest containing search path, dropping a trailing "__main__"
// segment the way Runspec.compile_file does.
func (r *Runspec) moduleNameFor(fname string) string {
	absFname, err := filepath.Abs(fname)
	if err != nil {
		absFname = fname
	}
	best := ""
	bestParts := -1
	for _, sp := range r.SearchPaths {
		absSp, err := filepath.Abs(sp)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absSp, absFname)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Count(rel, string(filepath.Separator))
		if bestParts == -1 || parts < bestParts {
			bestParts = parts
			best = rel
		}
	}
	if best == "" {
		best = filepath.Base(fname)
	}
	best = strings.TrimSuffix(best, sourceExt)
	dir, base := filepath.Split(best)
	if base == "__main__" {
		best = strings.TrimSuffix(dir, string(filepath.Separator))
	}
	return strings.ReplaceAll(best, string(filepath.Separator), ".")
}

// findModule resolves a dotted module name against the search paths,
// trying `<modname_with_slashes>.nsy3` then `<modname>/__main__.nsy3` in
// each path before moving to the next, per spec.md §4.H.
func (r *Runspec) findModule(modname string) (string, error) {
	relParts := strings.Split(modname, ".")
	relPath := filepath.Join(relParts...)
	for _, sp := range r.SearchPaths {
		direct := filepath.Join(sp, relPath+sourceExt)
		if fileExists(direct) {
			return direct, nil
		}
		pkgMain := filepath.Join(sp, relPath, "__main__"+sourceExt)
		if fileExists(pkgMain) {
			return pkgMain, nil
		}
	}
	return "", errors.Newf(errors.LinkModuleNotFound, "could not find module %q in search paths %v", modname, r.SearchPaths)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SetConclusion compiles trailer source (the engine's own "conclusion"
// hook) and attaches its bytes to the archive, mirroring
// Runspec.set_conclusion.
func (r *Runspec) SetConclusion(source string) error {
	if source == "" {
		r.Conclusion = nil
		return nil
	}
	compiled, err := Compile(source, "<conclusion>", "conclusion")
	if err != nil {
		return err
	}
	r.Conclusion = compiled.Bytes
	return nil
}

// ToBytes serializes the accumulated archive `{files, modules,
// conclusion?}`.
func (r *Runspec) ToBytes() ([]byte, error) {
	d := &serializer.Dict{}
	d.Set("files", stringList(r.files))
	d.Set("modules", stringList(r.modules))
	if r.Conclusion != nil {
		d.Set("conclusion", r.Conclusion)
	} else {
		d.Set("conclusion", nil)
	}
	d.Set("build_id", r.BuildID)
	return serializer.Serialise(d)
}

func stringList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// writeAtomic writes data to path via the open-truncate-write-close then
// rename sequence §5 requires: the engine must never observe a
// partially-written compiled file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.IoError, err, "creating temp file for %s", path)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.IoError, writeErr, "writing %s", path)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.IoError, closeErr, "closing %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(errors.IoError, err, "renaming %s into place", path)
	}
	return nil
}

// BuildRunspec compiles entry and recursively resolves its imports across
// searchPaths, returning the finished archive bytes — the package's half
// of the driver surface's `runspec(entry, search_paths) -> bytes`.
func BuildRunspec(entry string, searchPaths []string) ([]byte, error) {
	r := NewRunspec(searchPaths)
	if err := r.AddFile(entry); err != nil {
		return nil, err
	}
	return r.ToBytes()
}
