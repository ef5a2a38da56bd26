// internal/compiler/compiler.go
package compiler

import (
	"nsy3c/internal/ast"
	"nsy3c/internal/bytecode"
	"nsy3c/internal/errors"
	"nsy3c/internal/skipanalysis"
)

// Compiler lowers an AST into the tree-shaped bytecode IR, implementing
// ast.ExprVisitor/ast.StmtVisitor directly (the same dispatch idiom the
// teacher's StmtCompiler uses) rather than a type switch.
type Compiler struct {
	ctx *Context
}

// Module is the result of compiling one source file's top-level Block:
// its entry code plus every nested function discovered along the way.
// Entry and each FuncProto.Body have already been through skip analysis
// independently (each runs in its own frame) but are not yet laid out
// against a shared byte offset — that is internal/module's job, since it
// owns concatenating them into the final archive and needs the resulting
// global positions to resolve FuncRef constants and build the linenotab.
type Module struct {
	File      string
	Entry     *bytecode.Node
	Functions []*FuncProto
	Consts    []interface{}
	Imports   []string
}

// CompileModule lowers a parsed top-level Block into a Module. The entry
// code runs as an implicit zero-argument function returning None, matching
// how every other compiled function body is shaped. Lowering panics with
// *errors.NsyError on an unsupported or malformed construct; CompileModule
// recovers that into its error return, the way the parser's own public
// entry point recovers lex/parse panics.
func CompileModule(file string, program *ast.Block) (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				mod = nil
				return
			}
			panic(r)
		}
	}()

	ctx := NewContext(file)
	c := &Compiler{ctx: ctx}
	body := bytecode.Seq(
		c.compileBlock(program),
		bytecode.Instr(bytecode.OpConst, ctx.Const(nil)),
		bytecode.InstrNoArg(bytecode.OpReturn),
	)
	analyzed, serr := skipanalysis.Analyze(body)
	if serr != nil {
		return nil, serr
	}

	// Every compiled function runs as its own frame with its own stack, so
	// it gets skip analysis independently of the entry code and of every
	// other function.
	funcs := ctx.Functions()
	for _, fp := range funcs {
		analyzedBody, serr := skipanalysis.Analyze(fp.Body)
		if serr != nil {
			return nil, serr
		}
		fp.Body = analyzedBody
	}

	return &Module{
		File:      file,
		Entry:     analyzed,
		Functions: funcs,
		Consts:    ctx.Consts(),
		Imports:   ctx.Imports(),
	}, nil
}

// compileExpr dispatches through the visitor and asserts the expected
// return shape, panicking with a located error on an unreachable variant.
func (c *Compiler) compileExpr(e ast.Expr) *bytecode.Node {
	result := e.Accept(c)
	node, ok := result.(*bytecode.Node)
	if !ok {
		panic(c.errAt(e.Loc(), errors.CompileUnsupportedNode, "expression produced no code"))
	}
	return node
}

func (c *Compiler) compileStmt(s ast.Stmt) *bytecode.Node {
	result := s.Accept(c)
	node, ok := result.(*bytecode.Node)
	if !ok {
		panic(c.errAt(s.Loc(), errors.CompileUnsupportedNode, "statement produced no code"))
	}
	return node
}

func (c *Compiler) compileBlock(b *ast.Block) *bytecode.Node {
	nodes := make([]*bytecode.Node, 0, len(b.Stmts)*2)
	for _, s := range b.Stmts {
		nodes = append(nodes, bytecode.Lineno(s.Loc().Line))
		nodes = append(nodes, c.compileStmt(s))
	}
	return bytecode.Seq(nodes...)
}

func (c *Compiler) errAt(loc ast.Location, kind errors.ErrorType, msg string) *errors.NsyError {
	return errors.At(kind, msg, loc.File, loc.Line, loc.Column)
}

// ---- small code-shape helpers ----

func (c *Compiler) pushConst(v interface{}) *bytecode.Node {
	return bytecode.Instr(bytecode.OpConst, c.ctx.Const(v))
}

func (c *Compiler) pushGet(name string) *bytecode.Node {
	return bytecode.Instr(bytecode.OpGet, c.ctx.Const(name))
}

func (c *Compiler) popSet(name string) *bytecode.Node {
	return bytecode.Instr(bytecode.OpSet, c.ctx.Const(name))
}

// callBuiltin emits `name(args...)`: GET(name) followed by each arg's
// code, followed by CALL(len(args)). Used for every operation the
// opcode catalogue doesn't give a dedicated instruction to (container
// construction, attribute assignment, the dollar-form protocol).
func (c *Compiler) callBuiltin(name string, args ...*bytecode.Node) *bytecode.Node {
	nodes := make([]*bytecode.Node, 0, len(args)+2)
	nodes = append(nodes, c.pushGet(name))
	nodes = append(nodes, args...)
	nodes = append(nodes, bytecode.Instr(bytecode.OpCall, uint32(len(args))))
	return bytecode.Seq(nodes...)
}

func (c *Compiler) dropValue(code *bytecode.Node) *bytecode.Node {
	return bytecode.Seq(code, bytecode.InstrNoArg(bytecode.OpDrop))
}
