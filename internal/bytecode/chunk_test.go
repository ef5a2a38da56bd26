package bytecode

import "testing"

func TestResolveLabelsIsIdempotent(t *testing.T) {
	l := NewLabel("end")
	tree := Seq(
		Jump(OpJump, l, 0),
		InstrNoArg(OpDrop),
		LabelDef(l),
		InstrNoArg(OpReturn),
	)
	tree.ResolveLabels(0)
	firstPos := l.Pos
	tree.ResolveLabels(0)
	if l.Pos != firstPos {
		t.Fatalf("resolving twice changed label position: %d != %d", l.Pos, firstPos)
	}
	if l.Pos != 10 {
		t.Fatalf("expected label at position 10 (after JUMP+DROP), got %d", l.Pos)
	}
}

func TestToBytesPacksJumpArg(t *testing.T) {
	l := NewLabel("target")
	tree := Seq(
		Jump(OpJump, l, 3),
		LabelDef(l),
	)
	tree.ResolveLabels(0)
	data, err := tree.ToBytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 5 {
		t.Fatalf("expected 5 bytes, got %d", len(data))
	}
	if OpCode(data[0]) != OpJump {
		t.Fatalf("expected JUMP opcode, got %d", data[0])
	}
	arg := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24
	pos, save := UnpackJumpArg(arg)
	if pos != 5 || save != 3 {
		t.Fatalf("got pos=%d save=%d, want pos=5 save=3", pos, save)
	}
}

func TestUnresolvedLabelErrors(t *testing.T) {
	l := NewLabel("never")
	tree := Jump(OpJump, l, 0)
	if _, err := tree.ToBytes(); err == nil {
		t.Fatal("expected an error encoding a jump to an unresolved label")
	}
}

func TestLinenotab(t *testing.T) {
	tree := Seq(
		Lineno(1),
		InstrNoArg(OpDrop),
		Lineno(2),
		InstrNoArg(OpReturn),
	)
	tree.ResolveLabels(0)
	tab := tree.Linenotab()
	if len(tab) != 2 || tab[0][1] != 1 || tab[1][1] != 2 {
		t.Fatalf("unexpected linenotab: %v", tab)
	}
	if tab[0][0] != 0 || tab[1][0] != 5 {
		t.Fatalf("unexpected linenotab positions: %v", tab)
	}
}
