// internal/bytecode/chunk.go
package bytecode

import (
	"encoding/binary"

	"nsy3c/internal/errors"
)

// PseudoKind distinguishes structural-only nodes from physical
// instructions. Pseudo nodes occupy zero bytes on the wire; they only
// shape the tree walked by Linearize/ResolveLabels.
type PseudoKind int

const (
	pseudoNone PseudoKind = iota
	pseudoSeq
	pseudoLabel
	pseudoLineno
	pseudoIgnore
)

// returnSkipLabel is a pre-resolved sentinel label: its Pos is always
// RETURN_SKIP, so packing it into a SETSKIP argument never requires a real
// LabelDef. It stands in for "recover at the enclosing RETURN" rather than
// at a real jump target.
var returnSkipLabel = &Label{Name: "RETURN_SKIP", Pos: RETURN_SKIP, resolved: true}

// Label is a resolvable jump target. Several Node.Target references may
// point at the same Label; ResolveLabels fixes its Pos exactly once, at
// the position of the LabelDef node that marks it.
type Label struct {
	Name     string
	Pos      uint32
	resolved bool
}

// Node is a single element of the tree-shaped bytecode IR: either a
// physical instruction (Op set, pseudo == pseudoNone), or a structural
// node (Seq container, Label definition marker, or a Lineno debug
// marker). ResolveLabels walks the tree depth-first assigning each node
// a byte position; Linearize then flattens it into the physical
// instruction sequence ToBytes encodes.
type Node struct {
	pseudo PseudoKind

	Op  OpCode
	Arg *uint32 // explicit argument; nil for jump ops (resolved from Target)

	Target    *Label // set for jump-family ops
	SaveCount uint32 // stack-save count packed into a jump op's argument

	Marks *Label // set on a pseudoLabel node: the label this position defines
	Line  int     // set on a pseudoLineno node

	Subs []*Node // children emitted immediately before this node

	pos uint32
}

// Seq groups a sequence of nodes into a single composite node whose own
// footprint is zero bytes; its children's positions are assigned in
// order immediately following one another.
func Seq(nodes ...*Node) *Node {
	return &Node{pseudo: pseudoSeq, Subs: nodes}
}

// LabelDef marks the current position as the resolved location of l.
func LabelDef(l *Label) *Node {
	return &Node{pseudo: pseudoLabel, Marks: l}
}

// Lineno records a source line change at the current position, for
// building a module's linenotab.
func Lineno(line int) *Node {
	return &Node{pseudo: pseudoLineno, Line: line}
}

// Ignore is the zero-footprint placeholder pseudo node: it stands in for an
// operand the engine already has sitting on the stack, so emission can skip
// it entirely rather than needing a named temporary to re-push the value.
func Ignore() *Node {
	return &Node{pseudo: pseudoIgnore}
}

// NewLabel allocates a fresh, unresolved jump label.
func NewLabel(name string) *Label {
	return &Label{Name: name}
}

// Instr builds a physical instruction with an explicit numeric argument.
func Instr(op OpCode, arg uint32) *Node {
	a := arg
	return &Node{Op: op, Arg: &a}
}

// InstrNoArg builds a physical instruction whose argument is always 0
// (DUP, DROP, ROT, RROT, RETURN, GETENV and friends).
func InstrNoArg(op OpCode) *Node {
	return Instr(op, 0)
}

// Unpack builds an UNPACK instruction: count is the number of values to
// spread the top-of-stack into, starIndex the position of the starred
// target among them (RETURN_SKIP's 0xFFFF sentinel meaning "no star").
// Packed the same low16/high16 way a jump argument is.
func Unpack(count, starIndex uint32) *Node {
	return Instr(OpUnpack, PackJumpArg(count, starIndex))
}

// Jump builds a physical jump-family instruction targeting l; saveCount
// is the number of stack-saved values the engine must restore when it
// lands there (0 for an ordinary jump).
func Jump(op OpCode, l *Label, saveCount uint32) *Node {
	if !jumpOpcodes[op] {
		panic("bytecode: Jump called with a non-jump opcode")
	}
	return &Node{Op: op, Target: l, SaveCount: saveCount}
}

// SetSkip builds a SETSKIP instruction recording a recovery target l and
// the stack-save count to restore when the engine resumes there. Unlike
// Jump, SetSkip is not gated on jumpOpcodes: SETSKIP is a pure marker, never
// a control-flow transfer, even though it packs its argument the same way a
// jump does (target in the low 16 bits, saveCount in the high 16).
func SetSkip(l *Label, saveCount uint32) *Node {
	return &Node{Op: OpSetSkip, Target: l, SaveCount: saveCount}
}

// SetSkipReturn builds a SETSKIP instruction whose recovery target is the
// RETURN_SKIP sentinel: the engine recovers by returning from the current
// frame rather than resuming at a label.
func SetSkipReturn(saveCount uint32) *Node {
	return &Node{Op: OpSetSkip, Target: returnSkipLabel, SaveCount: saveCount}
}

// SkipVar builds a SKIPVAR instruction naming a variable (by constant
// index) assigned between a producer and its chosen skip point, so the
// engine's recovery snapshot captures it too.
func SkipVar(nameConstIdx uint32) *Node {
	return Instr(OpSkipVar, nameConstIdx)
}

// LabelMark returns the label n marks the position of, or nil if n isn't a
// label-definition pseudo node. Lets callers outside this package walk a
// tree and recover label positions relative to the physical instructions
// around them, without exposing PseudoKind itself.
func (n *Node) LabelMark() *Label {
	if n.pseudo == pseudoLabel {
		return n.Marks
	}
	return nil
}

// IsPhysical reports whether n occupies space in the emitted instruction
// stream (as opposed to being a Seq/Label/Lineno structural node).
func (n *Node) IsPhysical() bool {
	return n.pseudo == pseudoNone
}

func (n *Node) emitSize() uint32 {
	if n.IsPhysical() {
		return 5
	}
	return 0
}

// ResolveLabels assigns a byte position to every node in the tree rooted
// at n, starting at start, and returns the position immediately following
// the whole tree. Labels are fixed at the position of their LabelDef node.
// Idempotent: calling it again with the same start reproduces the same
// positions, since it only ever overwrites Pos/pos rather than reading them.
func (n *Node) ResolveLabels(start uint32) uint32 {
	pos := start
	n.pos = start
	for _, sub := range n.Subs {
		pos = sub.ResolveLabels(pos)
	}
	if n.pseudo == pseudoLabel {
		n.Marks.Pos = start
		n.Marks.resolved = true
	}
	return pos + n.emitSize()
}

// Linearize flattens the tree into its physical instructions in emission
// order, dropping pseudo nodes (their structural role is already spent
// once ResolveLabels has run). The returned slice's order matches the
// byte offsets assigned by ResolveLabels.
func (n *Node) Linearize() []*Node {
	var out []*Node
	n.linearizeInto(&out)
	return out
}

func (n *Node) linearizeInto(out *[]*Node) {
	for _, sub := range n.Subs {
		sub.linearizeInto(out)
	}
	if n.IsPhysical() {
		*out = append(*out, n)
	}
}

// Linenotab returns the position->line mapping recorded by Lineno pseudo
// nodes within the tree, in ascending position order.
func (n *Node) Linenotab() [][2]uint32 {
	var out [][2]uint32
	n.linenotabInto(&out)
	return out
}

func (n *Node) linenotabInto(out *[][2]uint32) {
	if n.pseudo == pseudoLineno {
		*out = append(*out, [2]uint32{n.pos, uint32(n.Line)})
	}
	for _, sub := range n.Subs {
		sub.linenotabInto(out)
	}
}

// resolvedArg computes the 4-byte argument physical node n carries: a
// packed jump target for jump-family ops, or its explicit Arg otherwise.
func (n *Node) resolvedArg() (uint32, error) {
	if n.Target != nil {
		if !n.Target.resolved {
			return 0, errors.Newf(errors.EncodeUnsupported, "unresolved jump label %q", n.Target.Name)
		}
		return PackJumpArg(n.Target.Pos, n.SaveCount), nil
	}
	if n.Arg != nil {
		return *n.Arg, nil
	}
	return 0, errors.Newf(errors.EncodeUnsupported, "physical op %s has no argument", n.Op)
}

// ToBytes encodes the already-resolved tree (ResolveLabels must have run)
// into its 5-byte-per-instruction physical wire form.
func (n *Node) ToBytes() ([]byte, error) {
	instrs := n.Linearize()
	buf := make([]byte, 0, len(instrs)*5)
	for _, instr := range instrs {
		arg, err := instr.resolvedArg()
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(instr.Op))
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], arg)
		buf = append(buf, tmp[:]...)
	}
	return buf, nil
}

// Len reports the byte length of the already-resolved tree rooted at n.
func (n *Node) Len() uint32 {
	return uint32(len(n.Linearize())) * 5
}

// Pos returns the byte position ResolveLabels assigned to n.
func (n *Node) Pos() uint32 { return n.pos }

// TargetPos returns the resolved position of n's jump target, or 0 if n
// is not a jump-family instruction.
func (n *Node) TargetPos() uint32 {
	if n.Target == nil {
		return 0
	}
	return n.Target.Pos
}
