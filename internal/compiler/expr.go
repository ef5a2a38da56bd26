// internal/compiler/expr.go
package compiler

import (
	"nsy3c/internal/ast"
	"nsy3c/internal/bytecode"
	"nsy3c/internal/errors"
)

// Compiler implements ast.ExprVisitor by lowering each node kind to its
// bytecode.Node shape and handing the result back as interface{} (always
// a *bytecode.Node in practice; compileExpr asserts that back out).

func (c *Compiler) VisitLiteral(n *ast.Literal) interface{} {
	return c.pushConst(n.Value)
}

func (c *Compiler) VisitName(n *ast.Name) interface{} {
	return c.pushGet(n.Ident)
}

func (c *Compiler) VisitGetattr(n *ast.Getattr) interface{} {
	return bytecode.Seq(
		c.compileExpr(n.Obj),
		bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const(n.Attr)),
	)
}

// VisitMonop lowers `not v` to the "not" builtin (the engine's own
// truthiness logic, not a per-kind dispatch) and every other unary op
// (just "-") to a zero-argument method call `v.u<op>()`, mirroring how
// Binop falls back to GETATTR-based dispatch for anything outside the
// reflected set below.
func (c *Compiler) VisitMonop(n *ast.Monop) interface{} {
	if n.Op == "not" {
		return c.callBuiltin("not", c.compileExpr(n.Operand))
	}
	return bytecode.Seq(
		c.compileExpr(n.Operand),
		bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const("u"+n.Op)),
		bytecode.Instr(bytecode.OpCall, 0),
	)
}

// reflectedBinops carries a dedicated BINOP opcode so the engine can try
// a reverse dispatch on the right operand's kind when the left doesn't
// handle it. Every other operator is a plain method call on the left
// operand.
var reflectedBinops = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "//": true, "%": true, "**": true,
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

func (c *Compiler) VisitBinop(n *ast.Binop) interface{} {
	switch n.Op {
	case "and":
		return c.shortCircuit(n, bytecode.OpJumpIfNotKeep)
	case "or":
		return c.shortCircuit(n, bytecode.OpJumpIfKeep)
	}
	if reflectedBinops[n.Op] {
		return bytecode.Seq(
			c.compileExpr(n.Left),
			c.compileExpr(n.Right),
			bytecode.Instr(bytecode.OpBinOp, c.ctx.Const(n.Op)),
		)
	}
	return bytecode.Seq(
		c.compileExpr(n.Left),
		bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const(n.Op)),
		c.compileExpr(n.Right),
		bytecode.Instr(bytecode.OpCall, 1),
	)
}

// shortCircuit lowers `and`/`or`: evaluate the left operand and peek it
// with a *_KEEP jump (leaving it on the stack as the short-circuited
// result); on fallthrough, drop it and evaluate the right operand instead.
func (c *Compiler) shortCircuit(n *ast.Binop, keepOp bytecode.OpCode) *bytecode.Node {
	end := bytecode.NewLabel(c.ctx.Gensym("shortcircuit_end"))
	return bytecode.Seq(
		c.compileExpr(n.Left),
		bytecode.Jump(keepOp, end, 0),
		bytecode.InstrNoArg(bytecode.OpDrop),
		c.compileExpr(n.Right),
		bytecode.LabelDef(end),
	)
}

// VisitCall lowers `f(a, b, k=v)` to: func code, each positional arg's
// code, then each kwarg lowered to `value; CONST(name); KWARG` (KWARG folds
// the value and the name constant into one call-argument slot), then
// CALL(positional+kwarg count).
func (c *Compiler) VisitCall(n *ast.Call) interface{} {
	nodes := []*bytecode.Node{c.compileExpr(n.Func)}
	for _, a := range n.Args {
		nodes = append(nodes, c.compileExpr(a))
	}
	for _, kw := range n.Kwargs {
		nodes = append(nodes, c.compileExpr(kw.Value), c.pushConst(kw.Name), bytecode.InstrNoArg(bytecode.OpKwArg))
	}
	nodes = append(nodes, bytecode.Instr(bytecode.OpCall, uint32(len(n.Args)+len(n.Kwargs))))
	return bytecode.Seq(nodes...)
}

// VisitSequenceLiteral builds a plain BUILDLIST for a list literal, and
// for a curly literal builds the same BUILDLIST (of [key,value] pairs for
// a dict) and wraps it with a call to the "Dict"/"Set" constructor
// builtin — the same wrap compileComprehension uses around its
// accumulator once a comprehension's trailers are done.
func (c *Compiler) VisitSequenceLiteral(n *ast.SequenceLiteral) interface{} {
	if n.IsComprehension() {
		return c.compileComprehension(n)
	}
	if n.Kind == "{}" && n.Keys != nil {
		pairs := make([]*bytecode.Node, len(n.Keys))
		for i, k := range n.Keys {
			pairs[i] = bytecode.Seq(c.compileExpr(k), c.compileExpr(n.Items[i]), bytecode.Instr(bytecode.OpBuildList, 2))
		}
		list := bytecode.Seq(append(pairs, bytecode.Instr(bytecode.OpBuildList, uint32(len(pairs))))...)
		return c.callBuiltin("Dict", list)
	}
	items := make([]*bytecode.Node, len(n.Items))
	for i, it := range n.Items {
		items[i] = c.compileExpr(it)
	}
	list := bytecode.Seq(append(items, bytecode.Instr(bytecode.OpBuildList, uint32(len(items))))...)
	if n.Kind == "{}" {
		return c.callBuiltin("Set", list)
	}
	return list
}

func (c *Compiler) VisitFunc(n *ast.Func) interface{} {
	names := make([]string, len(n.Params))
	var defaults []*bytecode.Node
	for i, p := range n.Params {
		names[i] = p.Name
		if p.Default != nil {
			defaults = append(defaults, c.compileExpr(p.Default))
		}
	}
	bodyCode := c.compileBlock(n.Body)
	return c.compileClosure(c.ctx.Gensym("lambda"), names, defaults, bodyCode, n.Location.Line)
}

// compileClosure registers bodyCode as a function table entry and emits
// the closure-construction call `CALL(GET "->", GET "__code__",
// CONST(func_label), Signature(names, defaults, 0), GETENV())`. func_label
// is a FuncRef constant the module assembler replaces with the function's
// entry byte offset once the whole module is laid out.
func (c *Compiler) compileClosure(name string, paramNames []string, defaults []*bytecode.Node, bodyCode *bytecode.Node, line int) *bytecode.Node {
	protos := make([]ParamProto, len(paramNames))
	for i, pn := range paramNames {
		protos[i] = ParamProto{Name: pn}
	}
	idx := c.ctx.AddFunction(&FuncProto{Name: name, Params: protos, Body: bodyCode, Line: line})

	nameNodes := make([]*bytecode.Node, len(paramNames))
	for i, pn := range paramNames {
		nameNodes[i] = c.pushConst(pn)
	}
	namesList := bytecode.Seq(append(nameNodes, bytecode.Instr(bytecode.OpBuildList, uint32(len(nameNodes))))...)
	defaultsList := bytecode.Seq(append(append([]*bytecode.Node{}, defaults...), bytecode.Instr(bytecode.OpBuildList, uint32(len(defaults))))...)
	signature := c.callBuiltin("Signature", namesList, defaultsList, c.pushConst(int64(0)))

	return c.callBuiltin("->",
		c.pushGet("__code__"),
		c.pushConst(FuncRef{Index: idx}),
		signature,
		bytecode.InstrNoArg(bytecode.OpGetEnv),
	)
}

func (c *Compiler) VisitIfExpr(n *ast.IfExpr) interface{} {
	elseLabel := bytecode.NewLabel(c.ctx.Gensym("ifexpr_else"))
	endLabel := bytecode.NewLabel(c.ctx.Gensym("ifexpr_end"))
	return bytecode.Seq(
		c.compileExpr(n.Cond),
		bytecode.Jump(bytecode.OpJumpIfNot, elseLabel, 0),
		c.compileExpr(n.Then),
		bytecode.Jump(bytecode.OpJump, endLabel, 0),
		bytecode.LabelDef(elseLabel),
		c.compileExpr(n.Else),
		bytecode.LabelDef(endLabel),
	)
}

// dollarReadFlag/dollarWriteFlags pack a DollarName's @flag names into
// the bit bundle the "$?"/"$=" builtins expect.
const dollarFlagPartial = 1

func dollarReadFlagsBits(flags []string) int64 {
	var bits int64
	for _, f := range flags {
		if f == "partial" {
			bits |= dollarFlagPartial
		}
	}
	return bits
}

const (
	dollarFlagModification = 1
	dollarFlagDefault      = 2
)

func dollarWriteFlagsBits(flags []string, augmented bool) int64 {
	var bits int64
	for _, f := range flags {
		switch f {
		case "modification":
			bits |= dollarFlagModification
		case "default":
			bits |= dollarFlagDefault
		}
	}
	if augmented {
		bits |= dollarFlagModification
	}
	return bits
}

// compileDollarParts lowers a dollar-form's part chain into a single
// BUILDLIST: a `.name` step contributes its name as a string constant, an
// `[expr]` step contributes the compiled index expression — the "$?"/"$="
// builtins walk this list to resolve the keyed path.
func (c *Compiler) compileDollarParts(n *ast.DollarName) *bytecode.Node {
	parts := make([]*bytecode.Node, len(n.Parts))
	for i, p := range n.Parts {
		if p.Index != nil {
			parts[i] = c.compileExpr(p.Index)
		} else {
			parts[i] = c.pushConst(p.Name)
		}
	}
	return bytecode.Seq(append(parts, bytecode.Instr(bytecode.OpBuildList, uint32(len(parts))))...)
}

func (c *Compiler) VisitDollarName(n *ast.DollarName) interface{} {
	return c.callBuiltin("$?", c.compileDollarParts(n), c.pushConst(dollarReadFlagsBits(n.Flags)))
}

// CompExpr/CompForExpr/CompIfExpr only ever appear nested inside a
// SequenceLiteral's Items[0]; compileComprehension walks them directly
// rather than through Accept, since building a comprehension needs the
// accumulator variable threaded through the whole trailer chain.
// Reaching any of these through the generic dispatch path is a compiler
// bug, not a user-reachable error.
func (c *Compiler) VisitCompExpr(n *ast.CompExpr) interface{} {
	panic(c.errAt(n.Loc(), errors.CompileUnsupportedNode, "comprehension expression compiled outside its sequence literal"))
}

func (c *Compiler) VisitCompForExpr(n *ast.CompForExpr) interface{} {
	panic(c.errAt(n.Loc(), errors.CompileUnsupportedNode, "comprehension for-trailer compiled outside its sequence literal"))
}

func (c *Compiler) VisitCompIfExpr(n *ast.CompIfExpr) interface{} {
	panic(c.errAt(n.Loc(), errors.CompileUnsupportedNode, "comprehension if-trailer compiled outside its sequence literal"))
}

// compileComprehension lowers `[v for x in xs if c]` / `{v for ...}` /
// `{k: v for ...}` into a synthesized zero-argument closure: an
// accumulator starts as an empty list and grows by the snoc operator
// (":+", the same attribute-call form Binop uses for it) once per
// satisfied trailer chain; a dict/set literal wraps the finished
// accumulator the same way a plain {} literal wraps its BUILDLIST.
func (c *Compiler) compileComprehension(seqLit *ast.SequenceLiteral) *bytecode.Node {
	comp := seqLit.Items[0].(*ast.CompExpr)

	var keyExpr, valExpr ast.Expr
	isDict := false
	if inner, ok := comp.Head.(*ast.SequenceLiteral); ok && inner.Keys != nil {
		isDict = true
		keyExpr, valExpr = inner.Keys[0], inner.Items[0]
	} else {
		valExpr = comp.Head
	}

	accVar := c.ctx.Gensym("acc")
	leaf := func() *bytecode.Node {
		var elem *bytecode.Node
		if isDict {
			elem = bytecode.Seq(c.compileExpr(keyExpr), c.compileExpr(valExpr), bytecode.Instr(bytecode.OpBuildList, 2))
		} else {
			elem = c.compileExpr(valExpr)
		}
		return bytecode.Seq(
			c.pushGet(accVar),
			bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const(":+")),
			elem,
			bytecode.Instr(bytecode.OpCall, 1),
			c.popSet(accVar),
		)
	}

	finalValue := c.pushGet(accVar)
	if seqLit.Kind == "{}" {
		name := "Set"
		if isDict {
			name = "Dict"
		}
		finalValue = c.callBuiltin(name, c.pushGet(accVar))
	}

	bodyCode := bytecode.Seq(
		c.pushConst([]interface{}{}), c.popSet(accVar),
		c.compileCompTrailers(comp.Trailers, 0, leaf),
		finalValue,
		bytecode.InstrNoArg(bytecode.OpReturn),
	)
	closure := c.compileClosure(c.ctx.Gensym("comp_fn"), nil, nil, bodyCode, seqLit.Loc().Line)
	return bytecode.Seq(closure, bytecode.Instr(bytecode.OpCall, 0))
}

// compileCompTrailers recursively lowers a comprehension's for/if trailer
// chain, invoking leaf() at the innermost point once every trailer has
// been satisfied.
func (c *Compiler) compileCompTrailers(trailers []ast.Expr, idx int, leaf func() *bytecode.Node) *bytecode.Node {
	if idx >= len(trailers) {
		return leaf()
	}
	switch t := trailers[idx].(type) {
	case *ast.CompForExpr:
		return c.compileForLoop(t.Ident, t.Iterable, t.Location, func() *bytecode.Node {
			return c.compileCompTrailers(trailers, idx+1, leaf)
		}, false)
	case *ast.CompIfExpr:
		endLabel := bytecode.NewLabel(c.ctx.Gensym("compif_end"))
		return bytecode.Seq(
			c.compileExpr(t.Cond),
			bytecode.Jump(bytecode.OpJumpIfNot, endLabel, 0),
			c.compileCompTrailers(trailers, idx+1, leaf),
			bytecode.LabelDef(endLabel),
		)
	default:
		panic(c.errAt(t.Loc(), errors.CompileUnsupportedNode, "unknown comprehension trailer"))
	}
}

// compileForLoop is the shared iteration protocol for ForStmt and
// comprehension for-trailers. Rather than a named temporary, the running
// iteration state lives on the stack for the whole loop: each turn's
// `GETATTR(IGNORE, "__next__")` consumes the state value already sitting
// there (IGNORE standing in for it, since it needs no fresh push) and
// calls it, producing a single pair object that is itself truthy iff
// iteration should continue. `JUMP_IFNOT_KEEP` peeks that pair without
// popping it to decide whether to exit; on the fall-through path
// `UNPACK(2, ...)` decomposes it into the next state (left for the next
// turn) and this turn's value (left on top for `SET`). Compiling the body
// first, as the entry and exit setskips both need to know, decides
// whether either is reachable from a `RETURN` inside it.
func (c *Compiler) compileForLoop(ident string, iterable ast.Expr, loc ast.Location, bodyFn func() *bytecode.Node, withLoopFrame bool) *bytecode.Node {
	topLabel := bytecode.NewLabel(c.ctx.Gensym("for_top"))
	exitLabel := bytecode.NewLabel(c.ctx.Gensym("for_exit"))
	fullEndLabel := bytecode.NewLabel(c.ctx.Gensym("for_end"))

	iterCode := c.compileExpr(iterable)

	// The iteration state occupies one stack slot for the whole loop, so
	// the body's own statement-level setskips must count it.
	c.ctx.PushSave(1)
	if withLoopFrame {
		c.ctx.PushLoop(exitLabel, topLabel)
	}
	body := bodyFn()
	if withLoopFrame {
		c.ctx.PopLoop()
	}
	hasReturn := containsReturn(body)

	target := func() *bytecode.Node {
		if hasReturn {
			return c.ctx.setskipReturn()
		}
		return c.ctx.setskip(fullEndLabel)
	}

	outerSetskip2 := target() // stack-save includes the live iteration state

	c.ctx.PopSave(1)
	innerSetskip := target()  // assumes this turn's state has been consumed
	outerSetskip1 := target() // before the state even exists
	c.ctx.PushSave(1)         // restore for whatever the caller compiles next

	iterCall := bytecode.Seq(
		iterCode,
		bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const("__iter__")),
		bytecode.Instr(bytecode.OpCall, 0),
	)
	nextCall := bytecode.Seq(
		bytecode.Ignore(),
		bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const("__next__")),
		bytecode.Instr(bytecode.OpCall, 0),
	)

	c.ctx.PopSave(1) // the loop is fully lowered; restore the ambient depth

	return bytecode.Seq(
		outerSetskip1,
		iterCall,
		bytecode.LabelDef(topLabel),
		outerSetskip2,
		nextCall,
		bytecode.Jump(bytecode.OpJumpIfNotKeep, exitLabel, 0),
		innerSetskip,
		bytecode.Unpack(2, bytecode.RETURN_SKIP),
		c.popSet(ident),
		body,
		bytecode.Jump(bytecode.OpJump, topLabel, 0),
		bytecode.LabelDef(exitLabel),
		bytecode.InstrNoArg(bytecode.OpDrop),
		bytecode.LabelDef(fullEndLabel),
	)
}
