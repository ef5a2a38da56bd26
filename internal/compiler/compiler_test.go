package compiler

import (
	"testing"

	"nsy3c/internal/bytecode"
	"nsy3c/internal/errors"
	"nsy3c/internal/lexer"
	"nsy3c/internal/parser"
)

func compileSource(t *testing.T, src string) (mod *Module, err error) {
	t.Helper()
	toks := lexer.NewScannerWithFile(src+"\n", "t.nsy3").ScanTokens()
	p := parser.NewParserWithSource(toks, src, "t.nsy3")
	block := p.Parse()
	return CompileModule("t.nsy3", block)
}

func opNames(n *bytecode.Node) []string {
	instrs := n.Linearize()
	out := make([]string, len(instrs))
	for i, instr := range instrs {
		out[i] = instr.Op.String()
	}
	return out
}

func sameOps(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Empty program: imports=[], entry code is exactly CONST(none); RETURN,
// with no SETSKIP inserted since CONST/RETURN need no skip point.
func TestCompileEmptyProgram(t *testing.T) {
	mod, err := compileSource(t, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(mod.Imports) != 0 {
		t.Fatalf("expected no imports, got %v", mod.Imports)
	}
	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)
	if !sameOps(ops, "CONST", "RETURN") {
		t.Fatalf("expected [CONST RETURN], got %v", ops)
	}
	lastConst := mod.Consts[len(mod.Consts)-1]
	if lastConst != nil {
		t.Fatalf("expected final constant to be None, got %#v", lastConst)
	}
}

// x = 1: the constant pool contains "x" and 1; the code sets x to 1.
func TestCompileSimpleAssign(t *testing.T) {
	mod, err := compileSource(t, "x = 1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var haveName, haveOne bool
	for _, c := range mod.Consts {
		if s, ok := c.(string); ok && s == "x" {
			haveName = true
		}
		if i, ok := c.(int64); ok && i == 1 {
			haveOne = true
		}
	}
	if !haveName {
		t.Fatalf("expected constant pool to contain %q, got %#v", "x", mod.Consts)
	}
	if !haveOne {
		t.Fatalf("expected constant pool to contain 1, got %#v", mod.Consts)
	}

	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)
	foundConst, foundSet := false, false
	for i, op := range ops {
		if op == "CONST" {
			foundConst = true
		}
		if op == "SET" {
			foundSet = true
			if !foundConst {
				t.Fatalf("expected CONST before SET, got %v", ops)
			}
			_ = i
		}
	}
	if !foundConst || !foundSet {
		t.Fatalf("expected a CONST and a SET in %v", ops)
	}
}

// x = 1 lowers to the exact SETSKIP/CONST/SET shape the assignment
// statement rule describes: a single setskip guarding the whole
// statement, not one inserted only in front of the CONST.
func TestCompileSimpleAssignEmitsStatementSetskip(t *testing.T) {
	mod, err := compileSource(t, "x = 1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)
	if len(ops) < 3 || ops[0] != "SETSKIP" || ops[1] != "CONST" || ops[2] != "SET" {
		t.Fatalf("expected [SETSKIP CONST SET ...], got %v", ops)
	}
}

// while true: break compiles to one loop whose body ends with a forward
// jump to the loop's exit label.
func TestCompileWhileBreak(t *testing.T) {
	mod, err := compileSource(t, "while true:\n    break\n")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)

	sawJump := false
	for _, op := range ops {
		if op == "JUMP" {
			sawJump = true
		}
	}
	if !sawJump {
		t.Fatalf("expected a JUMP in %v", ops)
	}

	instrs := mod.Entry.Linearize()
	for _, instr := range instrs {
		if instr.Op == bytecode.OpJump && instr.Target != nil {
			if instr.TargetPos() <= instr.Pos() {
				continue
			}
			return
		}
	}
	t.Fatalf("expected a forward JUMP to the loop exit in %v", ops)
}

func TestCompileBreakOutsideLoopIsError(t *testing.T) {
	_, err := compileSource(t, "break")
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	nerr, ok := err.(*errors.NsyError)
	if !ok {
		t.Fatalf("expected *errors.NsyError, got %T", err)
	}
	if nerr.Type != errors.CompileNoLoop {
		t.Fatalf("expected CompileNoLoop, got %v", nerr.Type)
	}
}

func TestCompileContinueOutsideLoopIsError(t *testing.T) {
	_, err := compileSource(t, "continue")
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	nerr, ok := err.(*errors.NsyError)
	if !ok {
		t.Fatalf("expected *errors.NsyError, got %T", err)
	}
	if nerr.Type != errors.CompileNoLoop {
		t.Fatalf("expected CompileNoLoop, got %v", nerr.Type)
	}
}

// and/or lower via keep-jumps rather than a plain binop call.
func TestCompileShortCircuit(t *testing.T) {
	mod, err := compileSource(t, "x = a and b")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)
	sawKeepJump := false
	for _, op := range ops {
		if op == "JUMP_IFNOT_KEEP" {
			sawKeepJump = true
		}
	}
	if !sawKeepJump {
		t.Fatalf("expected a JUMP_IFNOT_KEEP for 'and', got %v", ops)
	}
}

// a reflected binop (+) lowers to a native BINOP; a non-reflected
// operator (:+) lowers to a GETATTR/CALL dispatch instead.
func TestCompileBinopDispatch(t *testing.T) {
	mod, err := compileSource(t, "x = a + b")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod.Entry.ResolveLabels(0)
	ops := opNames(mod.Entry)
	sawBinop := false
	for _, op := range ops {
		if op == "BINOP" {
			sawBinop = true
		}
	}
	if !sawBinop {
		t.Fatalf("expected a BINOP for '+', got %v", ops)
	}

	mod2, err := compileSource(t, "x = a :+ b")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod2.Entry.ResolveLabels(0)
	ops2 := opNames(mod2.Entry)
	sawGetAttr, sawCall := false, false
	for _, op := range ops2 {
		if op == "GETATTR" {
			sawGetAttr = true
		}
		if op == "CALL" {
			sawCall = true
		}
	}
	if !sawGetAttr || !sawCall {
		t.Fatalf("expected GETATTR+CALL for ':+', got %v", ops2)
	}
}

// Precedence scenario 3 from the ternary grammar: nested `if` expressions
// on the else-branch side associate the way an explicit parenthesization
// of the inner conditional would.
func TestTernaryElseBindsInnerConditional(t *testing.T) {
	modA, errA := compileSource(t, "x = 1 if 2 if 4 else 5 else 6")
	if errA != nil {
		t.Fatalf("compile a: %v", errA)
	}
	modB, errB := compileSource(t, "x = 1 if (2 if 4 else 5) else 6")
	if errB != nil {
		t.Fatalf("compile b: %v", errB)
	}
	modA.Entry.ResolveLabels(0)
	modB.Entry.ResolveLabels(0)
	opsA := opNames(modA.Entry)
	opsB := opNames(modB.Entry)
	if len(opsA) != len(opsB) {
		t.Fatalf("expected same instruction shape:\na=%v\nb=%v", opsA, opsB)
	}
	for i := range opsA {
		if opsA[i] != opsB[i] {
			t.Fatalf("expected same instruction shape at %d:\na=%v\nb=%v", i, opsA, opsB)
		}
	}
}

// Dict/set literal wrapping: `{}` with keys wraps a list of [key, value]
// pairs with the Dict builtin; a bare `{}` sequence without keys wraps
// with Set instead of building a plain list.
func TestCompileDictAndSetLiterals(t *testing.T) {
	dictMod, err := compileSource(t, "x = {\"a\": 1}")
	if err != nil {
		t.Fatalf("compile dict: %v", err)
	}
	dictMod.Entry.ResolveLabels(0)
	dictOps := opNames(dictMod.Entry)
	sawDictGet := false
	for i, c := range dictMod.Consts {
		if s, ok := c.(string); ok && s == "Dict" {
			sawDictGet = true
			_ = i
		}
	}
	if !sawDictGet {
		t.Fatalf("expected the Dict builtin name in the constant pool, got %#v", dictMod.Consts)
	}
	hasBuildList := false
	for _, op := range dictOps {
		if op == "BUILDLIST" {
			hasBuildList = true
		}
	}
	if !hasBuildList {
		t.Fatalf("expected a BUILDLIST in %v", dictOps)
	}

	setMod, err := compileSource(t, "x = {a, b}")
	if err != nil {
		t.Fatalf("compile set: %v", err)
	}
	sawSetGet := false
	for _, c := range setMod.Consts {
		if s, ok := c.(string); ok && s == "Set" {
			sawSetGet = true
		}
	}
	if !sawSetGet {
		t.Fatalf("expected the Set builtin name in the constant pool, got %#v", setMod.Consts)
	}
}

// An unsupported construct (here, a literal as an assignment target)
// panics with a located CompileUnsupportedNode error that CompileModule
// turns into a result.
func TestCompileUnsupportedAssignTargetIsError(t *testing.T) {
	_, err := compileSource(t, "1 = 2")
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	nerr, ok := err.(*errors.NsyError)
	if !ok {
		t.Fatalf("expected *errors.NsyError, got %T", err)
	}
	if nerr.Type != errors.CompileUnsupportedNode {
		t.Fatalf("expected CompileUnsupportedNode, got %v", nerr.Type)
	}
}
