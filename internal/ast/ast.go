// internal/ast/ast.go
package ast

import (
	"fmt"
	"strings"
)

// Location pins a node to a source position for diagnostics and debug
// tables (bytecode LINENO records).
type Location struct {
	File   string
	Line   int
	Column int
}

// Node is the root of the tagged AST hierarchy.
type Node interface {
	Loc() Location
	Pprint() string
}

// Expr is any node that can appear in value position.
type Expr interface {
	Node
	Accept(v ExprVisitor) interface{}
	exprNode()
}

// Stmt is any node that can appear in statement position.
type Stmt interface {
	Node
	Accept(v StmtVisitor) interface{}
	stmtNode()
}

// ExprVisitor dispatches over every expression node kind.
type ExprVisitor interface {
	VisitLiteral(*Literal) interface{}
	VisitName(*Name) interface{}
	VisitGetattr(*Getattr) interface{}
	VisitMonop(*Monop) interface{}
	VisitBinop(*Binop) interface{}
	VisitCall(*Call) interface{}
	VisitSequenceLiteral(*SequenceLiteral) interface{}
	VisitFunc(*Func) interface{}
	VisitIfExpr(*IfExpr) interface{}
	VisitDollarName(*DollarName) interface{}
	VisitCompExpr(*CompExpr) interface{}
	VisitCompForExpr(*CompForExpr) interface{}
	VisitCompIfExpr(*CompIfExpr) interface{}
}

// StmtVisitor dispatches over every statement node kind.
type StmtVisitor interface {
	VisitPass(*Pass) interface{}
	VisitBreak(*Break) interface{}
	VisitContinue(*Continue) interface{}
	VisitReturn(*Return) interface{}
	VisitAssert(*Assert) interface{}
	VisitExprStmt(*ExprStmt) interface{}
	VisitAssignStmt(*AssignStmt) interface{}
	VisitDollarSetStmt(*DollarSetStmt) interface{}
	VisitIfStmt(*IfStmt) interface{}
	VisitWhileStmt(*WhileStmt) interface{}
	VisitForStmt(*ForStmt) interface{}
	VisitImportStmt(*ImportStmt) interface{}
	VisitBlock(*Block) interface{}
}

// indent re-indents every line of a multi-line pretty-printed fragment,
// mirroring the nsy3 ast.py indent() helper used to compose child Pprint
// output into a parent's.
func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			continue
		}
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func joinPprint(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.Pprint()
	}
	return strings.Join(parts, "\n")
}

// ---- Param ----

// Param is a single entry of a Func/lambda parameter list: a bare name, or
// a name with a default value expression.
type Param struct {
	Name    string
	Default Expr // nil if no default
}

func (p Param) String() string {
	if p.Default == nil {
		return p.Name
	}
	return fmt.Sprintf("%s=%s", p.Name, p.Default.Pprint())
}

// ---- Expressions ----

type Literal struct {
	Location Location
	Value    interface{} // int64, float64, string, bool, or nil
}

func (n *Literal) Loc() Location                    { return n.Location }
func (n *Literal) exprNode()                        {}
func (n *Literal) Accept(v ExprVisitor) interface{} { return v.VisitLiteral(n) }
func (n *Literal) Pprint() string                   { return fmt.Sprintf("Literal(%#v)", n.Value) }

type Name struct {
	Location Location
	Ident    string
}

func (n *Name) Loc() Location                    { return n.Location }
func (n *Name) exprNode()                        {}
func (n *Name) Accept(v ExprVisitor) interface{} { return v.VisitName(n) }
func (n *Name) Pprint() string                   { return fmt.Sprintf("Name(%s)", n.Ident) }

type Getattr struct {
	Location Location
	Obj      Expr
	Attr     string
}

func (n *Getattr) Loc() Location                    { return n.Location }
func (n *Getattr) exprNode()                        {}
func (n *Getattr) Accept(v ExprVisitor) interface{} { return v.VisitGetattr(n) }
func (n *Getattr) Pprint() string {
	return fmt.Sprintf("Getattr(%s,\n%s)", n.Attr, indent(n.Obj.Pprint()))
}

type Monop struct {
	Location Location
	Op       string
	Operand  Expr
}

func (n *Monop) Loc() Location                    { return n.Location }
func (n *Monop) exprNode()                        {}
func (n *Monop) Accept(v ExprVisitor) interface{} { return v.VisitMonop(n) }
func (n *Monop) Pprint() string {
	return fmt.Sprintf("Monop(%s,\n%s)", n.Op, indent(n.Operand.Pprint()))
}

type Binop struct {
	Location    Location
	Op          string
	Left, Right Expr
}

func (n *Binop) Loc() Location                    { return n.Location }
func (n *Binop) exprNode()                        {}
func (n *Binop) Accept(v ExprVisitor) interface{} { return v.VisitBinop(n) }
func (n *Binop) Pprint() string {
	return fmt.Sprintf("Binop(%s,\n%s,\n%s)", n.Op, indent(n.Left.Pprint()), indent(n.Right.Pprint()))
}

// KwArg is a single name=value pair in a Call's keyword-argument list.
type KwArg struct {
	Name  string
	Value Expr
}

type Call struct {
	Location Location
	Func     Expr
	Args     []Expr
	Kwargs   []KwArg
}

func (n *Call) Loc() Location                    { return n.Location }
func (n *Call) exprNode()                        {}
func (n *Call) Accept(v ExprVisitor) interface{} { return v.VisitCall(n) }
func (n *Call) Pprint() string {
	var b strings.Builder
	b.WriteString("Call(\n")
	b.WriteString(indent(n.Func.Pprint()))
	for _, a := range n.Args {
		b.WriteString(",\n")
		b.WriteString(indent(a.Pprint()))
	}
	for _, kw := range n.Kwargs {
		b.WriteString(fmt.Sprintf(",\n%s", indent(fmt.Sprintf("%s=%s", kw.Name, kw.Value.Pprint()))))
	}
	b.WriteString(")")
	return b.String()
}

// SequenceLiteral's Kind is "[]" for a list, "{}" for a curly literal whose
// disambiguation between set and dict happens during lowering based on
// whether Items are plain expressions or key:value pairs.
type SequenceLiteral struct {
	Location Location
	Kind     string // "[]" or "{}"
	Items    []Expr
	// Keys is non-nil when this is a {k: v, ...} dict literal; parallel to
	// Items, which then holds the values.
	Keys []Expr
}

func (n *SequenceLiteral) Loc() Location                    { return n.Location }
func (n *SequenceLiteral) exprNode()                        {}
func (n *SequenceLiteral) Accept(v ExprVisitor) interface{} { return v.VisitSequenceLiteral(n) }
func (n *SequenceLiteral) Pprint() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("SequenceLiteral(%q", n.Kind))
	if n.Keys != nil {
		for i, k := range n.Keys {
			b.WriteString(fmt.Sprintf(",\n%s", indent(fmt.Sprintf("%s: %s", k.Pprint(), n.Items[i].Pprint()))))
		}
	} else {
		for _, item := range n.Items {
			b.WriteString(",\n")
			b.WriteString(indent(item.Pprint()))
		}
	}
	b.WriteString(")")
	return b.String()
}

// IsComprehension reports whether this literal wraps a single CompExpr,
// i.e. `[x for x in xs]` rather than a literal element list.
func (n *SequenceLiteral) IsComprehension() bool {
	if len(n.Items) != 1 {
		return false
	}
	_, ok := n.Items[0].(*CompExpr)
	return ok
}

// Func's Body is always a Block so a multi-statement function (explicit
// `return` anywhere inside) and a single-expression lambda (sugared by
// the parser into a Block holding one Return) share the same lowering.
type Func struct {
	Location Location
	Params   []Param
	Body     *Block
}

func (n *Func) Loc() Location                    { return n.Location }
func (n *Func) exprNode()                        {}
func (n *Func) Accept(v ExprVisitor) interface{} { return v.VisitFunc(n) }
func (n *Func) Pprint() string {
	params := make([]string, len(n.Params))
	for i, p := range n.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("Func((%s),\n%s)", strings.Join(params, ", "), indent(n.Body.Pprint()))
}

// IfExpr is the ternary `then if Cond else Else` conditional expression.
type IfExpr struct {
	Location   Location
	Cond       Expr
	Then, Else Expr
}

func (n *IfExpr) Loc() Location                    { return n.Location }
func (n *IfExpr) exprNode()                        {}
func (n *IfExpr) Accept(v ExprVisitor) interface{} { return v.VisitIfExpr(n) }
func (n *IfExpr) Pprint() string {
	return fmt.Sprintf("IfExpr(\n%s,\n%s,\n%s)", indent(n.Cond.Pprint()), indent(n.Then.Pprint()), indent(n.Else.Pprint()))
}

// DollarName is the `$name.attr@flag` dollar-form: a multipart name path
// plus an ordered set of @-flags.
type DollarName struct {
	Location Location
	Parts    []DollarPart
	Flags    []string
}

// DollarPart is one segment of a dollar-form multipart name: a literal
// name, a `.name` attribute step, or an `[expr]` index step.
type DollarPart struct {
	Name  string // set when Index == nil
	Index Expr   // set for an [expr] step; Name is ignored
}

func (n *DollarName) Loc() Location                    { return n.Location }
func (n *DollarName) exprNode()                        {}
func (n *DollarName) Accept(v ExprVisitor) interface{} { return v.VisitDollarName(n) }
func (n *DollarName) Pprint() string {
	parts := make([]string, len(n.Parts))
	for i, p := range n.Parts {
		if p.Index != nil {
			parts[i] = fmt.Sprintf("[%s]", p.Index.Pprint())
		} else {
			parts[i] = p.Name
		}
	}
	return fmt.Sprintf("DollarName(%s, flags=%v)", strings.Join(parts, "."), n.Flags)
}

// CompExpr is the head expression of a comprehension, followed by an
// ordered chain of CompForExpr/CompIfExpr trailers.
type CompExpr struct {
	Location Location
	Head     Expr
	Trailers []Expr // *CompForExpr or *CompIfExpr, in source order
}

func (n *CompExpr) Loc() Location                    { return n.Location }
func (n *CompExpr) exprNode()                        {}
func (n *CompExpr) Accept(v ExprVisitor) interface{} { return v.VisitCompExpr(n) }
func (n *CompExpr) Pprint() string {
	return fmt.Sprintf("CompExpr(\n%s)", indent(joinPprint(toNodes(append([]Expr{n.Head}, n.Trailers...)))))
}

type CompForExpr struct {
	Location Location
	Ident    string
	Iterable Expr
}

func (n *CompForExpr) Loc() Location                    { return n.Location }
func (n *CompForExpr) exprNode()                        {}
func (n *CompForExpr) Accept(v ExprVisitor) interface{} { return v.VisitCompForExpr(n) }
func (n *CompForExpr) Pprint() string {
	return fmt.Sprintf("CompForExpr(%s,\n%s)", n.Ident, indent(n.Iterable.Pprint()))
}

type CompIfExpr struct {
	Location Location
	Cond     Expr
}

func (n *CompIfExpr) Loc() Location                    { return n.Location }
func (n *CompIfExpr) exprNode()                        {}
func (n *CompIfExpr) Accept(v ExprVisitor) interface{} { return v.VisitCompIfExpr(n) }
func (n *CompIfExpr) Pprint() string {
	return fmt.Sprintf("CompIfExpr(\n%s)", indent(n.Cond.Pprint()))
}

func toNodes(exprs []Expr) []Node {
	nodes := make([]Node, len(exprs))
	for i, e := range exprs {
		nodes[i] = e
	}
	return nodes
}

// ---- Statements ----

type Pass struct{ Location Location }

func (n *Pass) Loc() Location                    { return n.Location }
func (n *Pass) stmtNode()                        {}
func (n *Pass) Accept(v StmtVisitor) interface{} { return v.VisitPass(n) }
func (n *Pass) Pprint() string                   { return "Pass()" }

type Break struct{ Location Location }

func (n *Break) Loc() Location                    { return n.Location }
func (n *Break) stmtNode()                        {}
func (n *Break) Accept(v StmtVisitor) interface{} { return v.VisitBreak(n) }
func (n *Break) Pprint() string                   { return "Break()" }

type Continue struct{ Location Location }

func (n *Continue) Loc() Location                    { return n.Location }
func (n *Continue) stmtNode()                        {}
func (n *Continue) Accept(v StmtVisitor) interface{} { return v.VisitContinue(n) }
func (n *Continue) Pprint() string                   { return "Continue()" }

type Return struct {
	Location Location
	Value    Expr // nil for a bare `return`
}

func (n *Return) Loc() Location                    { return n.Location }
func (n *Return) stmtNode()                        {}
func (n *Return) Accept(v StmtVisitor) interface{} { return v.VisitReturn(n) }
func (n *Return) Pprint() string {
	if n.Value == nil {
		return "Return()"
	}
	return fmt.Sprintf("Return(\n%s)", indent(n.Value.Pprint()))
}

type Assert struct {
	Location Location
	Cond     Expr
	Msg      Expr // nil if absent
}

func (n *Assert) Loc() Location                    { return n.Location }
func (n *Assert) stmtNode()                        {}
func (n *Assert) Accept(v StmtVisitor) interface{} { return v.VisitAssert(n) }
func (n *Assert) Pprint() string {
	if n.Msg == nil {
		return fmt.Sprintf("Assert(\n%s)", indent(n.Cond.Pprint()))
	}
	return fmt.Sprintf("Assert(\n%s,\n%s)", indent(n.Cond.Pprint()), indent(n.Msg.Pprint()))
}

type ExprStmt struct {
	Location Location
	Value    Expr
}

func (n *ExprStmt) Loc() Location                    { return n.Location }
func (n *ExprStmt) stmtNode()                        {}
func (n *ExprStmt) Accept(v StmtVisitor) interface{} { return v.VisitExprStmt(n) }
func (n *ExprStmt) Pprint() string {
	return fmt.Sprintf("ExprStmt(\n%s)", indent(n.Value.Pprint()))
}

// AssignStmt covers both plain `target = value` (Op == "") and augmented
// forms like `target += value` (Op == "+").
type AssignStmt struct {
	Location Location
	Target   Expr // *Name, *Getattr, or an index Call per the grammar
	Op       string
	Value    Expr
}

func (n *AssignStmt) Loc() Location                    { return n.Location }
func (n *AssignStmt) stmtNode()                        {}
func (n *AssignStmt) Accept(v StmtVisitor) interface{} { return v.VisitAssignStmt(n) }
func (n *AssignStmt) Pprint() string {
	op := n.Op
	if op == "" {
		op = "="
	}
	return fmt.Sprintf("AssignStmt(%s,\n%s,\n%s)", op, indent(n.Target.Pprint()), indent(n.Value.Pprint()))
}

// DollarSetStmt is the dollar-augmented assignment `$name.attr@flag op= value`.
type DollarSetStmt struct {
	Location Location
	Target   *DollarName
	Op       string // "" for plain $-assignment
	Value    Expr
}

func (n *DollarSetStmt) Loc() Location                    { return n.Location }
func (n *DollarSetStmt) stmtNode()                        {}
func (n *DollarSetStmt) Accept(v StmtVisitor) interface{} { return v.VisitDollarSetStmt(n) }
func (n *DollarSetStmt) Pprint() string {
	op := n.Op
	if op == "" {
		op = "="
	}
	return fmt.Sprintf("DollarSetStmt(%s,\n%s,\n%s)", op, indent(n.Target.Pprint()), indent(n.Value.Pprint()))
}

type IfStmt struct {
	Location   Location
	Cond       Expr
	Then       *Block
	Else       *Block // nil if absent; a single-IfStmt Block models elif chains
}

func (n *IfStmt) Loc() Location                    { return n.Location }
func (n *IfStmt) stmtNode()                        {}
func (n *IfStmt) Accept(v StmtVisitor) interface{} { return v.VisitIfStmt(n) }
func (n *IfStmt) Pprint() string {
	if n.Else == nil {
		return fmt.Sprintf("IfStmt(\n%s,\n%s)", indent(n.Cond.Pprint()), indent(n.Then.Pprint()))
	}
	return fmt.Sprintf("IfStmt(\n%s,\n%s,\n%s)", indent(n.Cond.Pprint()), indent(n.Then.Pprint()), indent(n.Else.Pprint()))
}

type WhileStmt struct {
	Location Location
	Cond     Expr
	Body     *Block
}

func (n *WhileStmt) Loc() Location                    { return n.Location }
func (n *WhileStmt) stmtNode()                        {}
func (n *WhileStmt) Accept(v StmtVisitor) interface{} { return v.VisitWhileStmt(n) }
func (n *WhileStmt) Pprint() string {
	return fmt.Sprintf("WhileStmt(\n%s,\n%s)", indent(n.Cond.Pprint()), indent(n.Body.Pprint()))
}

type ForStmt struct {
	Location Location
	Ident    string
	Iterable Expr
	Body     *Block
}

func (n *ForStmt) Loc() Location                    { return n.Location }
func (n *ForStmt) stmtNode()                        {}
func (n *ForStmt) Accept(v StmtVisitor) interface{} { return v.VisitForStmt(n) }
func (n *ForStmt) Pprint() string {
	return fmt.Sprintf("ForStmt(%s,\n%s,\n%s)", n.Ident, indent(n.Iterable.Pprint()), indent(n.Body.Pprint()))
}

// ImportStmt: Names is nil for a bare `import path` (binds the whole
// module under its last path segment); otherwise each entry is either a
// name to extract via attribute access, or "*" to import-and-discard.
type ImportStmt struct {
	Location   Location
	ModulePath string
	Names      []string
}

func (n *ImportStmt) Loc() Location                    { return n.Location }
func (n *ImportStmt) stmtNode()                        {}
func (n *ImportStmt) Accept(v StmtVisitor) interface{} { return v.VisitImportStmt(n) }
func (n *ImportStmt) Pprint() string {
	if n.Names == nil {
		return fmt.Sprintf("ImportStmt(%s)", n.ModulePath)
	}
	return fmt.Sprintf("ImportStmt(%s, %v)", n.ModulePath, n.Names)
}

type Block struct {
	Location Location
	Stmts    []Stmt
}

func (n *Block) Loc() Location                    { return n.Location }
func (n *Block) stmtNode()                        {}
func (n *Block) Accept(v StmtVisitor) interface{} { return v.VisitBlock(n) }
func (n *Block) Pprint() string {
	nodes := make([]Node, len(n.Stmts))
	for i, s := range n.Stmts {
		nodes[i] = s
	}
	return fmt.Sprintf("Block(\n%s)", indent(joinPprint(nodes)))
}
