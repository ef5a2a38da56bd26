// internal/skipanalysis/skipanalysis.go
//
// Inserts SETSKIP/SKIPVAR recovery markers ahead of every value-producing
// instruction whose result a suspended thunk might need to recompute.
// Ported from the post-dominator/stack-flow algorithm of the reference
// skip-analysis pass: build the control-flow graph, compute which
// positions post-dominate each producer, compute the set of stack depths
// reachable at each position, then for every producer pick the nearest
// post-dominator whose incoming stack depth is consistent with resuming
// there.
package skipanalysis

import (
	"fmt"
	"sort"

	"nsy3c/internal/bytecode"
	"nsy3c/internal/errors"
)

// skipNotRequired is the set of opcodes cheap and side-effect-free enough
// that a thunk can simply re-run them from scratch; every other
// value-producing opcode gets a SETSKIP marker. Constants, env lookups,
// list builds, unpacks, rotations, duplicates and keep-jumps can never
// themselves resolve to a pending thunk, so they're exempt; GET can (the
// bound value may itself be a thunk), so it is not.
var skipNotRequired = map[bytecode.OpCode]bool{
	bytecode.OpConst:         true,
	bytecode.OpGetEnv:        true,
	bytecode.OpBuildList:     true,
	bytecode.OpUnpack:        true,
	bytecode.OpRot:           true,
	bytecode.OpRRot:          true,
	bytecode.OpDup:           true,
	bytecode.OpJumpIfKeep:    true,
	bytecode.OpJumpIfNotKeep: true,
}

// stackEffect returns the number of values op pops and pushes, given its
// resolved argument (used by CALL/BUILDLIST/UNPACK whose effect is
// argument-dependent).
func stackEffect(op bytecode.OpCode, arg uint32) (pop, push int) {
	switch op {
	case bytecode.OpConst, bytecode.OpGetEnv:
		return 0, 1
	case bytecode.OpDup:
		// arg is the number of additional copies laid on top of the one
		// already there (DUP(0) is a legal no-op).
		return 0, int(arg)
	case bytecode.OpDrop, bytecode.OpSet, bytecode.OpReturn:
		return 1, 0
	case bytecode.OpRot, bytecode.OpRRot:
		return 0, 0
	case bytecode.OpGet:
		return 0, 1
	case bytecode.OpGetAttr:
		return 1, 1
	case bytecode.OpCall:
		return int(arg) + 1, 1
	case bytecode.OpKwArg:
		return 2, 1
	case bytecode.OpBinOp:
		return 2, 1
	case bytecode.OpJump:
		return 0, 0
	case bytecode.OpJumpIf, bytecode.OpJumpIfNot:
		return 1, 0
	case bytecode.OpJumpIfKeep, bytecode.OpJumpIfNotKeep:
		return 0, 0
	case bytecode.OpSetSkip, bytecode.OpSkipVar:
		return 0, 0
	case bytecode.OpBuildList:
		return int(arg), 1
	case bytecode.OpUnpack:
		count, _ := bytecode.UnpackJumpArg(arg)
		return 1, int(count)
	default:
		return 0, 0
	}
}

// producesValue reports whether op leaves a fresh value on top of the
// stack that a resumed thunk would need to reproduce. This is whether op
// pushes at all, not whether it grows the stack net: CALL/GETATTR/BINOP
// all consume at least as much as they push, but the value they leave
// behind is newly computed and may itself be a pending thunk.
func producesValue(op bytecode.OpCode) bool {
	_, push := stackEffect(op, 0)
	return push > 0
}

const exitNode = -1

// cfg is the control-flow graph over a linear instruction list: succs[i]
// is the set of instruction indices execution may transfer to after i
// (empty for RETURN; exitNode for falling off the end or jumping past it).
type cfg struct {
	instrs []*bytecode.Node
	succs  [][]int
	index  map[uint32]int // instruction position -> index, for jump targets
}

func buildCFG(instrs []*bytecode.Node) *cfg {
	g := &cfg{instrs: instrs, succs: make([][]int, len(instrs)), index: map[uint32]int{}}
	for i, instr := range instrs {
		g.index[instr.Pos()] = i
	}
	for i, instr := range instrs {
		switch instr.Op {
		case bytecode.OpReturn:
			g.succs[i] = nil
		case bytecode.OpJump:
			g.succs[i] = []int{g.targetIndex(instr)}
		case bytecode.OpJumpIf, bytecode.OpJumpIfNot, bytecode.OpJumpIfKeep, bytecode.OpJumpIfNotKeep:
			fallthroughIdx := i + 1
			if fallthroughIdx >= len(instrs) {
				fallthroughIdx = exitNode
			}
			g.succs[i] = []int{fallthroughIdx, g.targetIndex(instr)}
		default:
			if i+1 < len(instrs) {
				g.succs[i] = []int{i + 1}
			} else {
				g.succs[i] = []int{exitNode}
			}
		}
	}
	return g
}

func (g *cfg) targetIndex(instr *bytecode.Node) int {
	idx, ok := g.index[instr.TargetPos()]
	if !ok {
		return exitNode
	}
	return idx
}

// postDominators computes, for every instruction index, the set of
// indices (including itself and exitNode) that every path from it to
// program exit must pass through, via fixed-point intersection over
// reverse-postorder-ish iteration (order doesn't affect correctness, only
// convergence speed).
func (g *cfg) postDominators() []map[int]bool {
	n := len(g.instrs)
	all := map[int]bool{exitNode: true}
	for i := 0; i < n; i++ {
		all[i] = true
	}
	dom := make([]map[int]bool, n)
	for i := 0; i < n; i++ {
		dom[i] = map[int]bool{}
		for k := range all {
			dom[i][k] = true
		}
	}
	changed := true
	for changed {
		changed = false
		for i := n - 1; i >= 0; i-- {
			next := map[int]bool{i: true}
			if len(g.succs[i]) == 0 {
				next[exitNode] = true
			} else {
				var merged map[int]bool
				for _, s := range g.succs[i] {
					var sdom map[int]bool
					if s == exitNode {
						sdom = map[int]bool{exitNode: true}
					} else {
						sdom = dom[s]
					}
					if merged == nil {
						merged = map[int]bool{}
						for k := range sdom {
							merged[k] = true
						}
					} else {
						for k := range merged {
							if !sdom[k] {
								delete(merged, k)
							}
						}
					}
				}
				for k := range merged {
					next[k] = true
				}
			}
			if !sameSet(next, dom[i]) {
				dom[i] = next
				changed = true
			}
		}
	}
	return dom
}

func sameSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func argOf(instr *bytecode.Node) uint32 {
	if instr.Arg != nil {
		return *instr.Arg
	}
	return 0
}

func stackKey(s []int) string {
	b := make([]byte, 0, len(s)*5)
	for _, v := range s {
		b = append(b, fmt.Sprintf("%d,", v)...)
	}
	return string(b)
}

// reachableStacks runs a worklist fixed point over the CFG, threading
// full stack contents rather than bare depths: each slot is
// tagged with the index of the instruction that produced it. This is what
// lets findSkipPoints compute which producers a candidate skip point still
// depends on, and whether its incoming stack is a genuine prefix match for
// a producer's own pre-state.
func (g *cfg) reachableStacks() ([][][]int, error) {
	stacks := make([][][]int, len(g.instrs))
	seen := make([]map[string]bool, len(g.instrs))
	for i := range stacks {
		seen[i] = map[string]bool{}
	}
	if len(g.instrs) == 0 {
		return stacks, nil
	}
	record := func(i int, s []int) bool {
		key := stackKey(s)
		if seen[i][key] {
			return false
		}
		seen[i][key] = true
		stacks[i] = append(stacks[i], s)
		return true
	}
	record(0, nil)
	worklist := []int{0}
	inWorklist := map[int]bool{0: true}
	for len(worklist) > 0 {
		i := worklist[0]
		worklist = worklist[1:]
		inWorklist[i] = false
		instr := g.instrs[i]
		pop, push := stackEffect(instr.Op, argOf(instr))
		for _, s := range stacks[i] {
			if len(s) < pop {
				return nil, errors.Newf(errors.CompileStackUnderflow,
					"stack underflow at instruction %d (%s): depth %d, pops %d", i, instr.Op, len(s), pop)
			}
			next := make([]int, len(s)-pop, len(s)-pop+push)
			copy(next, s[:len(s)-pop])
			for k := 0; k < push; k++ {
				next = append(next, i)
			}
			for _, s2 := range g.succs[i] {
				if s2 == exitNode {
					continue
				}
				if record(s2, next) && !inWorklist[s2] {
					worklist = append(worklist, s2)
					inWorklist[s2] = true
				}
			}
		}
	}
	return stacks, nil
}

// dependentsOf returns, for every instruction index, the set of producer
// indices that appear somewhere in some stack reaching it: values still
// live on the stack when execution arrives there.
func dependentsOf(stacks [][][]int) []map[int]bool {
	deps := make([]map[int]bool, len(stacks))
	for i, variants := range stacks {
		d := map[int]bool{}
		for _, s := range variants {
			for _, p := range s {
				d[p] = true
			}
		}
		deps[i] = d
	}
	return deps
}

// isPrefix reports whether short is exactly the leading slice of long.
func isPrefix(short, long []int) bool {
	if len(short) > len(long) {
		return false
	}
	for i, v := range short {
		if long[i] != v {
			return false
		}
	}
	return true
}

// collectAssignedBetween walks every path leading out of producer p that
// does not pass through (or beyond) d, collecting the name-constant index
// of every SET it finds. Those names are the SKIPVAR candidates: variables
// that may have been reassigned between p's value being produced and the
// chosen recovery point.
func collectAssignedBetween(g *cfg, p, d int) []uint32 {
	seen := map[int]bool{}
	var names []uint32
	nameSeen := map[uint32]bool{}
	var walk func(i int)
	walk = func(i int) {
		if i == d || i == exitNode || seen[i] {
			return
		}
		seen[i] = true
		if i != p && g.instrs[i].Op == bytecode.OpSet {
			n := argOf(g.instrs[i])
			if !nameSeen[n] {
				nameSeen[n] = true
				names = append(names, n)
			}
		}
		for _, s := range g.succs[i] {
			walk(s)
		}
	}
	for _, s := range g.succs[p] {
		walk(s)
	}
	return names
}

// skipChoice is the outcome of finding a safe resumption point for one
// value-producing instruction: the nearest post-dominator that isn't
// itself dependent on the producer's own value, with a stack-prefix match
// confirming nothing below the producer's original stack got disturbed.
type skipChoice struct {
	producerIdx int
	skipIdx     int  // index into the instruction list; exitNode means RETURN_SKIP
	saveCount   int
	skipVars    []uint32 // name-constant indices assigned between producer and skip point
}

// findSkipPoints walks every value-producing, non-exempt instruction p (in
// reverse instruction order) and, among p's strict post-dominators, picks
// the nearest one d such that p is not itself among d's dependents and
// every stack reaching p, with p's own result dropped, is a prefix of some
// stack reaching d. Candidates are tried nearest-to-p first: since a
// node's post-dominators form a chain ordered by inclusion, the candidate
// with the largest post-dominator set is the one closest to p.
func findSkipPoints(g *cfg, postDom []map[int]bool, stacks [][][]int, deps []map[int]bool) ([]skipChoice, error) {
	var choices []skipChoice
	for i := len(g.instrs) - 1; i >= 0; i-- {
		instr := g.instrs[i]
		if skipNotRequired[instr.Op] || !producesValue(instr.Op) {
			continue
		}

		var candidates []int
		for cand := range postDom[i] {
			if cand != i {
				candidates = append(candidates, cand)
			}
		}
		postDomSize := func(idx int) int {
			if idx == exitNode {
				return 1
			}
			return len(postDom[idx])
		}
		sort.Slice(candidates, func(a, b int) bool {
			return postDomSize(candidates[a]) > postDomSize(candidates[b])
		})

		found := false
		for _, d := range candidates {
			if d != exitNode && deps[d][i] {
				continue
			}
			save, ok := matchSkipPoint(stacks[i], stacksAt(d, stacks))
			if !ok {
				continue
			}
			choices = append(choices, skipChoice{
				producerIdx: i,
				skipIdx:     d,
				saveCount:   save,
				skipVars:    collectAssignedBetween(g, i, d),
			})
			found = true
			break
		}
		if !found {
			return nil, errors.Newf(errors.CompileNoSkip,
				"no safe recovery point for instruction %d (%s)", i, instr.Op)
		}
	}
	return choices, nil
}

// stacksAt returns the stacks reaching d; exitNode reaches with no
// recorded stack shape, so any prefix of d's own producer's post-state is
// trivially accepted by treating it as "no constraint".
func stacksAt(d int, stacks [][][]int) [][]int {
	if d == exitNode {
		return nil
	}
	return stacks[d]
}

// matchSkipPoint checks, for every stack reaching the producer, that
// dropping the producer's own result leaves a prefix of some stack
// reaching d, and that the drop amount (stack_drop) is identical across
// every such pair.
func matchSkipPoint(atProducer, atSkip [][]int) (save int, ok bool) {
	save = -1
	for _, sp := range atProducer {
		dropped := sp // the incoming stack, before the producer's own push
		if atSkip == nil {
			// d is the exit sentinel (RETURN_SKIP): any incoming stack at
			// the producer is trivially its own prefix with zero drop.
			if save == -1 {
				save = 0
			} else if save != 0 {
				return 0, false
			}
			continue
		}
		matchedAny := false
		for _, sd := range atSkip {
			drop := len(sd) - len(dropped)
			if drop < 0 {
				continue
			}
			if !isPrefix(dropped, sd[:len(dropped)]) {
				continue
			}
			if save == -1 {
				save = drop
			} else if save != drop {
				return 0, false
			}
			matchedAny = true
			break
		}
		if !matchedAny {
			return 0, false
		}
	}
	if save == -1 {
		save = 0
	}
	return save, true
}

// labelPositions walks n's tree in the same order Linearize flattens it,
// recovering which labels each LabelDef pseudo node marks relative to the
// surrounding physical instructions: before[i] holds the labels defined
// immediately ahead of the i'th linearized instruction, and after holds any
// labels defined past the very last instruction (a function's closing
// label with nothing following it). Linearize itself drops LabelDef nodes
// entirely, so Analyze must recover this separately before it can safely
// rebuild the tree with new instructions spliced in.
func labelPositions(n *bytecode.Node) (before [][]*bytecode.Label, after []*bytecode.Label) {
	var pending []*bytecode.Label
	var walk func(n *bytecode.Node)
	walk = func(n *bytecode.Node) {
		for _, sub := range n.Subs {
			walk(sub)
		}
		if l := n.LabelMark(); l != nil {
			pending = append(pending, l)
			return
		}
		if n.IsPhysical() {
			before = append(before, pending)
			pending = nil
		}
	}
	walk(n)
	after = pending
	return before, after
}

// Analyze resolves body's label positions locally (from offset 0), runs
// skip analysis over it, and returns a new tree with SETSKIP/SKIPVAR
// markers spliced in around every qualifying instruction, and fresh label
// positions resolved against the new layout.
func Analyze(body *bytecode.Node) (*bytecode.Node, error) {
	body.ResolveLabels(0)
	origLabelsBefore, origLabelsAfter := labelPositions(body)
	instrs := body.Linearize()
	g := buildCFG(instrs)
	stacks, err := g.reachableStacks()
	if err != nil {
		return nil, err
	}
	deps := dependentsOf(stacks)
	postDom := g.postDominators()
	choices, err := findSkipPoints(g, postDom, stacks, deps)
	if err != nil {
		return nil, err
	}

	skipAt := map[int]*skipChoice{}
	for i := range choices {
		c := choices[i]
		skipAt[c.producerIdx] = &c
	}
	labelForIdx := map[int]*bytecode.Label{}
	labelAt := func(idx int) *bytecode.Label {
		if l, ok := labelForIdx[idx]; ok {
			return l
		}
		l := bytecode.NewLabel(fmt.Sprintf("skip%d", idx))
		labelForIdx[idx] = l
		return l
	}
	for _, c := range choices {
		if c.skipIdx != exitNode {
			labelAt(c.skipIdx)
		}
	}

	var out []*bytecode.Node
	for i, instr := range instrs {
		for _, l := range origLabelsBefore[i] {
			out = append(out, bytecode.LabelDef(l))
		}
		if l, ok := labelForIdx[i]; ok {
			out = append(out, bytecode.LabelDef(l))
		}
		if c, ok := skipAt[i]; ok {
			if c.skipIdx == exitNode {
				out = append(out, bytecode.SetSkipReturn(uint32(c.saveCount)))
			} else {
				out = append(out, bytecode.SetSkip(labelAt(c.skipIdx), uint32(c.saveCount)))
			}
			out = append(out, instr)
			for _, name := range c.skipVars {
				out = append(out, bytecode.SkipVar(name))
			}
			continue
		}
		out = append(out, instr)
	}
	for _, l := range origLabelsAfter {
		out = append(out, bytecode.LabelDef(l))
	}
	result := bytecode.Seq(out...)
	result.ResolveLabels(0)
	return result, nil
}
