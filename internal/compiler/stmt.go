// internal/compiler/stmt.go
package compiler

import (
	"strings"

	"nsy3c/internal/ast"
	"nsy3c/internal/bytecode"
	"nsy3c/internal/errors"
)

// containsReturn reports whether n's own linearized instructions include a
// RETURN. Nested function literals compile into separate FuncProto table
// entries rather than inline code, so this never needs to avoid descending
// into one.
func containsReturn(n *bytecode.Node) bool {
	for _, instr := range n.Linearize() {
		if instr.Op == bytecode.OpReturn {
			return true
		}
	}
	return false
}

func (c *Compiler) VisitPass(n *ast.Pass) interface{} {
	return bytecode.Seq()
}

func (c *Compiler) VisitBreak(n *ast.Break) interface{} {
	loop := c.ctx.CurrentLoop()
	if loop == nil {
		panic(c.errAt(n.Loc(), errors.CompileNoLoop, "break outside a loop"))
	}
	return bytecode.Jump(bytecode.OpJump, loop.breakLabel, 0)
}

func (c *Compiler) VisitContinue(n *ast.Continue) interface{} {
	loop := c.ctx.CurrentLoop()
	if loop == nil {
		panic(c.errAt(n.Loc(), errors.CompileNoLoop, "continue outside a loop"))
	}
	return bytecode.Jump(bytecode.OpJump, loop.continueLabel, 0)
}

func (c *Compiler) VisitReturn(n *ast.Return) interface{} {
	var value *bytecode.Node
	if n.Value == nil {
		value = c.pushConst(nil)
	} else {
		value = c.compileExpr(n.Value)
	}
	return bytecode.Seq(c.ctx.setskipReturn(), value, bytecode.InstrNoArg(bytecode.OpReturn))
}

func (c *Compiler) VisitAssert(n *ast.Assert) interface{} {
	cond := c.compileExpr(n.Cond)
	var msg *bytecode.Node
	if n.Msg != nil {
		msg = c.compileExpr(n.Msg)
	} else {
		msg = c.pushConst(nil)
	}
	end := bytecode.NewLabel(c.ctx.Gensym("assert_end"))
	return bytecode.Seq(
		c.ctx.setskip(end),
		c.dropValue(c.callBuiltin("assert", cond, msg)),
		bytecode.LabelDef(end),
	)
}

func (c *Compiler) VisitExprStmt(n *ast.ExprStmt) interface{} {
	end := bytecode.NewLabel(c.ctx.Gensym("exprstmt_end"))
	return bytecode.Seq(
		c.ctx.setskip(end),
		c.dropValue(c.compileExpr(n.Value)),
		bytecode.LabelDef(end),
	)
}

// VisitAssignStmt dispatches on the target's shape: a bare name (SET),
// an attribute target (no SETATTR opcode exists, so lowered to the
// `setattr` builtin), or an index target (the parser desugars `a[i]` to
// `Call{Func: Name("[]"), Args: [a, i]}`, lowered here to `setindex`).
// Every shape wraps its code in a single setskip/end-label pair, the way
// every other statement does.
func (c *Compiler) VisitAssignStmt(n *ast.AssignStmt) interface{} {
	end := bytecode.NewLabel(c.ctx.Gensym("assign_end"))
	var body *bytecode.Node
	switch t := n.Target.(type) {
	case *ast.Name:
		body = c.assignName(t, n.Op, n.Value)
	case *ast.Getattr:
		body = c.assignGetattr(t, n.Op, n.Value)
	case *ast.Call:
		if name, ok := t.Func.(*ast.Name); ok && name.Ident == "[]" && len(t.Args) == 2 {
			body = c.assignIndex(t.Args[0], t.Args[1], n.Op, n.Value)
		}
	}
	if body == nil {
		panic(c.errAt(n.Loc(), errors.CompileUnsupportedNode, "unsupported assignment target"))
	}
	return bytecode.Seq(c.ctx.setskip(end), body, bytecode.LabelDef(end))
}

func (c *Compiler) assignName(t *ast.Name, op string, value ast.Expr) *bytecode.Node {
	if op == "" {
		return bytecode.Seq(c.compileExpr(value), c.popSet(t.Ident))
	}
	return bytecode.Seq(
		c.pushGet(t.Ident),
		c.compileExpr(value),
		bytecode.Instr(bytecode.OpBinOp, c.ctx.Const(op)),
		c.popSet(t.Ident),
	)
}

func (c *Compiler) assignGetattr(t *ast.Getattr, op string, value ast.Expr) *bytecode.Node {
	if op == "" {
		return c.dropValue(c.callBuiltin("setattr", c.compileExpr(t.Obj), c.pushConst(t.Attr), c.compileExpr(value)))
	}
	tmp := c.ctx.Gensym("obj")
	setup := bytecode.Seq(c.compileExpr(t.Obj), c.popSet(tmp))
	oldVal := bytecode.Seq(c.pushGet(tmp), bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const(t.Attr)))
	newVal := bytecode.Seq(oldVal, c.compileExpr(value), bytecode.Instr(bytecode.OpBinOp, c.ctx.Const(op)))
	return bytecode.Seq(setup, c.dropValue(c.callBuiltin("setattr", c.pushGet(tmp), c.pushConst(t.Attr), newVal)))
}

func (c *Compiler) assignIndex(objExpr, idxExpr ast.Expr, op string, value ast.Expr) *bytecode.Node {
	if op == "" {
		return c.dropValue(c.callBuiltin("setindex", c.compileExpr(objExpr), c.compileExpr(idxExpr), c.compileExpr(value)))
	}
	tmpObj := c.ctx.Gensym("obj")
	tmpIdx := c.ctx.Gensym("idx")
	setup := bytecode.Seq(c.compileExpr(objExpr), c.popSet(tmpObj), c.compileExpr(idxExpr), c.popSet(tmpIdx))
	oldVal := c.callBuiltin("getindex", c.pushGet(tmpObj), c.pushGet(tmpIdx))
	newVal := bytecode.Seq(oldVal, c.compileExpr(value), bytecode.Instr(bytecode.OpBinOp, c.ctx.Const(op)))
	return bytecode.Seq(setup, c.dropValue(c.callBuiltin("setindex", c.pushGet(tmpObj), c.pushGet(tmpIdx), newVal)))
}

// VisitDollarSetStmt lowers `$name.attr@flag (op)= value` via the "$="
// builtin, reading the dollar-form's parts once into a temporary so an
// augmented assignment doesn't re-evaluate any `[expr]` index step twice.
// An augmented form implies the "modification" flag bit automatically,
// per the dollar-form's write-side convention.
func (c *Compiler) VisitDollarSetStmt(n *ast.DollarSetStmt) interface{} {
	end := bytecode.NewLabel(c.ctx.Gensym("dollarset_end"))
	parts := c.compileDollarParts(n.Target)
	tmpParts := c.ctx.Gensym("dparts")
	setup := bytecode.Seq(parts, c.popSet(tmpParts))
	flagsBits := dollarWriteFlagsBits(n.Target.Flags, n.Op != "")

	var body *bytecode.Node
	if n.Op == "" {
		body = c.dropValue(c.callBuiltin("$=", c.pushGet(tmpParts), c.compileExpr(n.Value), c.pushConst(flagsBits)))
	} else {
		readFlagsBits := dollarReadFlagsBits(n.Target.Flags)
		oldVal := c.callBuiltin("$?", c.pushGet(tmpParts), c.pushConst(readFlagsBits))
		newVal := bytecode.Seq(oldVal, c.compileExpr(n.Value), bytecode.Instr(bytecode.OpBinOp, c.ctx.Const(n.Op)))
		body = c.dropValue(c.callBuiltin("$=", c.pushGet(tmpParts), newVal, c.pushConst(flagsBits)))
	}
	return bytecode.Seq(c.ctx.setskip(end), setup, body, bytecode.LabelDef(end))
}

// VisitIfStmt compiles both arms before deciding the statement's setskip
// target: if either arm's code contains a RETURN, recovery must unwind the
// whole frame (RETURN_SKIP) rather than resume at the end label, since the
// end label may never be reached on that arm.
func (c *Compiler) VisitIfStmt(n *ast.IfStmt) interface{} {
	thenBody := c.compileBlock(n.Then)
	var elseBody *bytecode.Node
	if n.Else != nil {
		elseBody = c.compileBlock(n.Else)
	}
	hasReturn := containsReturn(thenBody) || (elseBody != nil && containsReturn(elseBody))

	endLabel := bytecode.NewLabel(c.ctx.Gensym("if_end"))
	var setskip *bytecode.Node
	if hasReturn {
		setskip = c.ctx.setskipReturn()
	} else {
		setskip = c.ctx.setskip(endLabel)
	}

	if n.Else == nil {
		return bytecode.Seq(
			setskip,
			c.compileExpr(n.Cond),
			bytecode.Jump(bytecode.OpJumpIfNot, endLabel, 0),
			thenBody,
			bytecode.LabelDef(endLabel),
		)
	}
	elseLabel := bytecode.NewLabel(c.ctx.Gensym("if_else"))
	return bytecode.Seq(
		setskip,
		c.compileExpr(n.Cond),
		bytecode.Jump(bytecode.OpJumpIfNot, elseLabel, 0),
		thenBody,
		bytecode.Jump(bytecode.OpJump, endLabel, 0),
		bytecode.LabelDef(elseLabel),
		elseBody,
		bytecode.LabelDef(endLabel),
	)
}

// VisitWhileStmt compiles the body first for the same RETURN-detection
// reason VisitIfStmt does: a body that returns can never reach exitLabel
// by falling off its own end, so recovery there targets RETURN_SKIP.
func (c *Compiler) VisitWhileStmt(n *ast.WhileStmt) interface{} {
	topLabel := bytecode.NewLabel(c.ctx.Gensym("while_top"))
	exitLabel := bytecode.NewLabel(c.ctx.Gensym("while_exit"))
	c.ctx.PushLoop(exitLabel, topLabel)
	body := c.compileBlock(n.Body)
	c.ctx.PopLoop()

	var setskip *bytecode.Node
	if containsReturn(body) {
		setskip = c.ctx.setskipReturn()
	} else {
		setskip = c.ctx.setskip(exitLabel)
	}

	return bytecode.Seq(
		bytecode.LabelDef(topLabel),
		setskip,
		c.compileExpr(n.Cond),
		bytecode.Jump(bytecode.OpJumpIfNot, exitLabel, 0),
		body,
		bytecode.Jump(bytecode.OpJump, topLabel, 0),
		bytecode.LabelDef(exitLabel),
	)
}

func (c *Compiler) VisitForStmt(n *ast.ForStmt) interface{} {
	return c.compileForLoop(n.Ident, n.Iterable, n.Location, func() *bytecode.Node {
		return c.compileBlock(n.Body)
	}, true)
}

// VisitImportStmt lowers both `import a.b.c` (binds the whole module
// under its last path segment) and `import a.b.c: x, y, *` (binds each
// named attribute; a bare "*" entry runs the import for its side effects
// without binding anything). The selected-names form keeps the imported
// module value sitting on the stack (duplicated once per binding with
// DUP) rather than in a named temporary, each binding consuming one copy
// via GETATTR(IGNORE, attr) — IGNORE standing for the copy DUP already
// left sitting there.
func (c *Compiler) VisitImportStmt(n *ast.ImportStmt) interface{} {
	if strings.HasPrefix(n.ModulePath, ".") {
		panic(c.errAt(n.Loc(), errors.CompileRelativeImport, "relative imports are not supported: "+n.ModulePath))
	}
	c.ctx.RecordImport(n.ModulePath)
	moduleCode := c.callBuiltin("import", c.pushConst(n.ModulePath))

	if n.Names == nil {
		segs := strings.Split(n.ModulePath, ".")
		return bytecode.Seq(moduleCode, c.popSet(segs[len(segs)-1]))
	}

	k := len(n.Names)
	nodes := []*bytecode.Node{moduleCode}
	if k > 1 {
		nodes = append(nodes, bytecode.Instr(bytecode.OpDup, uint32(k-1)))
	}
	c.ctx.PushSave(uint32(k))
	for _, name := range n.Names {
		c.ctx.PopSave(1)
		if name == "*" {
			nodes = append(nodes, bytecode.InstrNoArg(bytecode.OpDrop))
			continue
		}
		end := bytecode.NewLabel(c.ctx.Gensym("import_end"))
		nodes = append(nodes,
			c.ctx.setskip(end),
			bytecode.Ignore(),
			bytecode.Instr(bytecode.OpGetAttr, c.ctx.Const(name)),
			c.popSet(name),
			bytecode.LabelDef(end),
		)
	}
	return bytecode.Seq(nodes...)
}

func (c *Compiler) VisitBlock(n *ast.Block) interface{} {
	return c.compileBlock(n)
}
