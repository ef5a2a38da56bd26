package skipanalysis

import (
	"encoding/binary"
	"testing"

	"nsy3c/internal/bytecode"
)

func countOp(tree *bytecode.Node, op bytecode.OpCode) int {
	n := 0
	for _, instr := range tree.Linearize() {
		if instr.Op == op {
			n++
		}
	}
	return n
}

func TestSetSkipInsertedForValueProducingOps(t *testing.T) {
	body := bytecode.Seq(
		bytecode.Instr(bytecode.OpConst, 0),
		bytecode.Instr(bytecode.OpGet, 0),
		bytecode.Instr(bytecode.OpCall, 1),
		bytecode.InstrNoArg(bytecode.OpReturn),
	)
	result, err := Analyze(body)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	// GET and CALL both leave a freshly computed (possibly thunk) value on
	// the stack; CONST and RETURN don't.
	if got := countOp(result, bytecode.OpSetSkip); got != 2 {
		t.Fatalf("expected a SETSKIP for GET and for CALL, got %d", got)
	}
	if _, err := result.ToBytes(); err != nil {
		t.Fatalf("ToBytes after analysis: %v", err)
	}
}

func TestNoSkipForExemptOpsOnly(t *testing.T) {
	body := bytecode.Seq(
		bytecode.Instr(bytecode.OpConst, 0),
		bytecode.Instr(bytecode.OpConst, 1),
		bytecode.Instr(bytecode.OpBuildList, 2),
		bytecode.InstrNoArg(bytecode.OpDrop),
	)
	result, err := Analyze(body)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := countOp(result, bytecode.OpSetSkip); got != 0 {
		t.Fatalf("expected no SETSKIP markers for exempt ops only, got %d", got)
	}
}

func TestStackUnderflowDetected(t *testing.T) {
	body := bytecode.Seq(
		bytecode.InstrNoArg(bytecode.OpDrop),
		bytecode.InstrNoArg(bytecode.OpReturn),
	)
	if _, err := Analyze(body); err == nil {
		t.Fatal("expected a stack underflow error")
	}
}

// A producer on one arm of a branch gets a real post-dominator as its skip
// target rather than falling back to RETURN_SKIP: the nearest one free of
// the producer as a dependent is the arm's closing JUMP, which carries the
// CALL's result on to the join. This pins down the bug where SETSKIP insertion used to
// splice in a spurious real JUMP_IF_KEEP and always encode a zero argument.
func TestSetSkipArgumentDecodesTargetAndSaveCount(t *testing.T) {
	elseLabel := bytecode.NewLabel("else")
	joinLabel := bytecode.NewLabel("join")
	body := bytecode.Seq(
		bytecode.Instr(bytecode.OpConst, 0), // 0: cond
		bytecode.Jump(bytecode.OpJumpIfNot, elseLabel, 0),
		bytecode.Instr(bytecode.OpGet, 1), // 2: producer under test
		bytecode.Instr(bytecode.OpCall, 0),
		bytecode.Jump(bytecode.OpJump, joinLabel, 0),
		bytecode.LabelDef(elseLabel),
		bytecode.Instr(bytecode.OpConst, 2),
		bytecode.LabelDef(joinLabel),
		bytecode.Instr(bytecode.OpDrop, 1),
	)

	result, err := Analyze(body)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if n := countOp(result, bytecode.OpJumpIfKeep); n != 0 {
		t.Fatalf("skip insertion must never splice in a real JUMP_IF_KEEP, found %d", n)
	}

	instrs := result.Linearize()
	var setskip *bytecode.Node
	for i, instr := range instrs {
		if instr.Op == bytecode.OpSetSkip && i+1 < len(instrs) && instrs[i+1].Op == bytecode.OpGet {
			setskip = instr
			break
		}
	}
	if setskip == nil {
		t.Fatalf("expected a SETSKIP immediately before the GET instruction")
	}
	var jump *bytecode.Node
	for _, instr := range instrs {
		if instr.Op == bytecode.OpJump {
			jump = instr
			break
		}
	}
	if jump == nil {
		t.Fatalf("expected the then-arm JUMP to survive analysis")
	}
	if setskip.TargetPos() != jump.Pos() {
		t.Fatalf("SETSKIP target = %d, want the then-arm JUMP at %d", setskip.TargetPos(), jump.Pos())
	}
	if setskip.SaveCount != 1 {
		t.Fatalf("SETSKIP save count = %d, want 1 (CALL's result left on the stack)", setskip.SaveCount)
	}

	data, err := result.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	off := setskip.Pos()
	if bytecode.OpCode(data[off]) != bytecode.OpSetSkip {
		t.Fatalf("expected a SETSKIP opcode byte at offset %d", off)
	}
	arg := binary.LittleEndian.Uint32(data[off+1 : off+5])
	pos, save := bytecode.UnpackJumpArg(arg)
	if pos != jump.Pos() || save != 1 {
		t.Fatalf("encoded SETSKIP argument decoded to (%d, %d), want (%d, 1)", pos, save, jump.Pos())
	}
}

// A producer whose own value never outlives the branch it's computed in
// falls back to the RETURN_SKIP sentinel, since no later post-dominator is
// free of the producer as a dependent.
func TestSetSkipFallsBackToReturnSkip(t *testing.T) {
	body := bytecode.Seq(
		bytecode.Instr(bytecode.OpConst, 0),
		bytecode.Instr(bytecode.OpGet, 0),
		bytecode.Instr(bytecode.OpCall, 1),
		bytecode.InstrNoArg(bytecode.OpReturn),
	)
	result, err := Analyze(body)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	found := false
	for _, instr := range result.Linearize() {
		if instr.Op == bytecode.OpSetSkip && instr.TargetPos() == bytecode.RETURN_SKIP {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one SETSKIP targeting the RETURN_SKIP sentinel")
	}
}
