package parser

import (
	"testing"

	"nsy3c/internal/ast"
	"nsy3c/internal/lexer"
)

func parseExprString(t *testing.T, src string) (expr ast.Expr, err error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				t.Fatalf("parser panicked with non-error: %v", r)
			}
		}
	}()
	toks := lexer.NewScanner(src + "\n").ScanTokens()
	p := NewParser(toks)
	block := p.Parse()
	if len(block.Stmts) != 1 {
		t.Fatalf("expected exactly one statement, got %d", len(block.Stmts))
	}
	es, ok := block.Stmts[0].(*ast.ExprStmt)
	if !ok {
		t.Fatalf("expected an expression statement, got %T", block.Stmts[0])
	}
	return es.Value, nil
}

func assertSamePprint(t *testing.T, a, b string) {
	t.Helper()
	ea, err := parseExprString(t, a)
	if err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	eb, err := parseExprString(t, b)
	if err != nil {
		t.Fatalf("parse %q: %v", b, err)
	}
	if ea.Pprint() != eb.Pprint() {
		t.Fatalf("precedence mismatch:\n%q =>\n%s\n%q =>\n%s", a, ea.Pprint(), b, eb.Pprint())
	}
}

func TestParserEmpty(t *testing.T) {
	toks := lexer.NewScanner("").ScanTokens()
	block := NewParser(toks).Parse()
	if len(block.Stmts) != 0 {
		t.Fatalf("expected no statements, got %d", len(block.Stmts))
	}
}

func TestPrecedenceArithmetic(t *testing.T) {
	assertSamePprint(t, "1 + 2 * 3", "1 + (2 * 3)")
	assertSamePprint(t, "2 ** 3 ** 2", "2 ** (3 ** 2)")
	assertSamePprint(t, "a and b or c", "(a and b) or c")
	assertSamePprint(t, "not a and b", "(not a) and b")
}

func TestTernaryAssociatesRight(t *testing.T) {
	assertSamePprint(t, "a if c1 else b if c2 else d", "a if c1 else (b if c2 else d)")
}

func TestLambdaBindsLoosest(t *testing.T) {
	assertSamePprint(t, `\x -> x + 1`, `\x -> (x + 1)`)
}

func TestDollarNameChain(t *testing.T) {
	expr, err := parseExprString(t, "$foo.bar[1]@flag")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dn, ok := expr.(*ast.DollarName)
	if !ok {
		t.Fatalf("expected *ast.DollarName, got %T", expr)
	}
	if len(dn.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(dn.Parts))
	}
	if len(dn.Flags) != 1 || dn.Flags[0] != "flag" {
		t.Fatalf("expected flags [flag], got %v", dn.Flags)
	}
}

func TestComprehension(t *testing.T) {
	expr, err := parseExprString(t, "[x for x in xs if x]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	seq, ok := expr.(*ast.SequenceLiteral)
	if !ok || !seq.IsComprehension() {
		t.Fatalf("expected a comprehension sequence literal, got %#v", expr)
	}
}
