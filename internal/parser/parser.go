// internal/parser/parser.go
package parser

import (
	"strconv"
	"strings"

	"nsy3c/internal/ast"
	"nsy3c/internal/errors"
	"nsy3c/internal/lexer"
)

// binOpLevel is one tier of the binary operator ladder; each tier is
// consumed by its own level method (orExpr, andExpr, comparisonLevel, ...).
type binOpLevel struct {
	tokens map[lexer.TokenType]bool
}

// binaryLevels runs from loosest to tightest; each is left-associative
// except comparisons, which comparisonLevel parses non-associatively.
// Lambda, ternary if/else, unary not/minus, power, dollar-forms, and
// postfix call/index/attr are handled by their own dedicated methods
// below rather than this table, which is why the table itself only has
// six entries.
var binaryLevels = []binOpLevel{
	{tokens: tokSet(lexer.TokenOr)},
	{tokens: tokSet(lexer.TokenAnd)},
	{tokens: tokSet(lexer.TokenEqEq, lexer.TokenNeq, lexer.TokenLt, lexer.TokenGt, lexer.TokenLte, lexer.TokenGte)},
	{tokens: tokSet(lexer.TokenSnoc)},
	{tokens: tokSet(lexer.TokenPlus, lexer.TokenMinus)},
	{tokens: tokSet(lexer.TokenStar, lexer.TokenSlash, lexer.TokenSlashSlash, lexer.TokenPercent)},
}

func tokSet(tt ...lexer.TokenType) map[lexer.TokenType]bool {
	m := make(map[lexer.TokenType]bool, len(tt))
	for _, t := range tt {
		m[t] = true
	}
	return m
}

// Parser is a recursive-descent, precedence-climbing parser over the
// token stream produced by internal/lexer, producing internal/ast nodes.
type Parser struct {
	tokens      []lexer.Token
	current     int
	file        string
	sourceLines []string
}

func NewParser(tokens []lexer.Token) *Parser {
	return &Parser{tokens: tokens}
}

func NewParserWithSource(tokens []lexer.Token, source, file string) *Parser {
	return &Parser{tokens: tokens, file: file, sourceLines: strings.Split(source, "\n")}
}

// Parse consumes the full token stream and returns the program as a Block.
// Recovers no errors itself: a malformed program panics with
// *errors.NsyError, which callers (e.g. the compile driver) recover at
// their boundary the way the teacher's parser_test.go does.
func (p *Parser) Parse() (result *ast.Block) {
	var stmts []ast.Stmt
	for !p.isAtEnd() {
		if p.check(lexer.TokenNewline) {
			p.advance()
			continue
		}
		stmts = append(stmts, p.statement())
	}
	return &ast.Block{Location: p.locAt(0), Stmts: stmts}
}

// ---- statements ----

func (p *Parser) statement() ast.Stmt {
	loc := p.loc()
	switch {
	case p.match(lexer.TokenPass):
		p.consumeNewline()
		return &ast.Pass{Location: loc}
	case p.match(lexer.TokenBreak):
		p.consumeNewline()
		return &ast.Break{Location: loc}
	case p.match(lexer.TokenContinue):
		p.consumeNewline()
		return &ast.Continue{Location: loc}
	case p.match(lexer.TokenReturn):
		if p.check(lexer.TokenNewline) {
			p.consumeNewline()
			return &ast.Return{Location: loc}
		}
		val := p.expression()
		p.consumeNewline()
		return &ast.Return{Location: loc, Value: val}
	case p.match(lexer.TokenAssert):
		cond := p.expression()
		var msg ast.Expr
		if p.match(lexer.TokenComma) {
			msg = p.expression()
		}
		p.consumeNewline()
		return &ast.Assert{Location: loc, Cond: cond, Msg: msg}
	case p.match(lexer.TokenIf):
		return p.ifStatement(loc)
	case p.match(lexer.TokenWhile):
		return p.whileStatement(loc)
	case p.match(lexer.TokenFor):
		return p.forStatement(loc)
	case p.match(lexer.TokenImport):
		return p.importStatement(loc)
	default:
		return p.simpleStatement(loc)
	}
}

func (p *Parser) block() *ast.Block {
	loc := p.loc()
	p.consume(lexer.TokenColon, "expected ':'")
	p.consumeNewline()
	p.consume(lexer.TokenIndent, "expected indented block")
	var stmts []ast.Stmt
	for !p.check(lexer.TokenDedent) && !p.isAtEnd() {
		if p.check(lexer.TokenNewline) {
			p.advance()
			continue
		}
		stmts = append(stmts, p.statement())
	}
	p.consume(lexer.TokenDedent, "expected dedent")
	return &ast.Block{Location: loc, Stmts: stmts}
}

func (p *Parser) ifStatement(loc ast.Location) ast.Stmt {
	cond := p.expression()
	then := p.block()
	var elseBlk *ast.Block
	if p.match(lexer.TokenElif) {
		elseBlk = &ast.Block{Location: p.loc(), Stmts: []ast.Stmt{p.ifStatement(p.loc())}}
	} else if p.match(lexer.TokenElse) {
		elseBlk = p.block()
	}
	return &ast.IfStmt{Location: loc, Cond: cond, Then: then, Else: elseBlk}
}

func (p *Parser) whileStatement(loc ast.Location) ast.Stmt {
	cond := p.expression()
	body := p.block()
	return &ast.WhileStmt{Location: loc, Cond: cond, Body: body}
}

func (p *Parser) forStatement(loc ast.Location) ast.Stmt {
	ident := p.consume(lexer.TokenName, "expected loop variable name").Lexeme
	p.consume(lexer.TokenIn, "expected 'in'")
	iterable := p.expression()
	body := p.block()
	return &ast.ForStmt{Location: loc, Ident: ident, Iterable: iterable, Body: body}
}

// importStatement parses `import a.b.c` or `import a.b.c: x, y, *`.
func (p *Parser) importStatement(loc ast.Location) ast.Stmt {
	var segs []string
	segs = append(segs, p.consume(lexer.TokenName, "expected module name").Lexeme)
	for p.match(lexer.TokenDot) {
		segs = append(segs, p.consume(lexer.TokenName, "expected module path segment").Lexeme)
	}
	modulePath := strings.Join(segs, ".")
	var names []string
	if p.match(lexer.TokenColon) {
		for {
			if p.match(lexer.TokenStar) {
				names = append(names, "*")
			} else {
				names = append(names, p.consume(lexer.TokenName, "expected imported name").Lexeme)
			}
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consumeNewline()
	return &ast.ImportStmt{Location: loc, ModulePath: modulePath, Names: names}
}

// augmentedOps maps an augmented-assignment token to its underlying
// binary operator name, per spec.md's augmented-assignment desugaring.
var augmentedOps = map[lexer.TokenType]string{
	lexer.TokenPlusEq:       "+",
	lexer.TokenMinusEq:      "-",
	lexer.TokenStarEq:       "*",
	lexer.TokenSlashEq:      "/",
	lexer.TokenSlashSlashEq: "//",
	lexer.TokenPercentEq:    "%",
	lexer.TokenStarStarEq:   "**",
}

func (p *Parser) simpleStatement(loc ast.Location) ast.Stmt {
	if p.check(lexer.TokenDollar) {
		return p.dollarStatement(loc)
	}
	expr := p.expression()
	if p.match(lexer.TokenEq) {
		value := p.expression()
		p.consumeNewline()
		return &ast.AssignStmt{Location: loc, Target: expr, Value: value}
	}
	for tt, op := range augmentedOps {
		if p.match(tt) {
			value := p.expression()
			p.consumeNewline()
			return &ast.AssignStmt{Location: loc, Target: expr, Op: op, Value: value}
		}
	}
	p.consumeNewline()
	return &ast.ExprStmt{Location: loc, Value: expr}
}

func (p *Parser) dollarStatement(loc ast.Location) ast.Stmt {
	dn := p.dollarName()
	if p.match(lexer.TokenEq) {
		value := p.expression()
		p.consumeNewline()
		return &ast.DollarSetStmt{Location: loc, Target: dn, Value: value}
	}
	for tt, op := range augmentedOps {
		if p.match(tt) {
			value := p.expression()
			p.consumeNewline()
			return &ast.DollarSetStmt{Location: loc, Target: dn, Op: op, Value: value}
		}
	}
	p.consumeNewline()
	return &ast.ExprStmt{Location: loc, Value: dn}
}

func (p *Parser) consumeNewline() {
	if p.check(lexer.TokenNewline) {
		p.advance()
	}
}

// ---- expressions ----
//
// Precedence, loosest to tightest (13 levels, then comprehension trailers):
//   1  lambda            \params -> body
//   2  ternary            then if cond else else
//   3  or
//   4  and
//   5  not                (unary)
//   6  comparisons        == != < > <= >=
//   7  snoc                :+
//   8  additive           + -
//   9  multiplicative     * / // %
//  10  unary minus        -x
//  11  power              **            (right-assoc)
//  12  dollar-name        $name.a[b]@f
//  13  postfix            call/index/attr
//  comprehension trailers (for/if) are not on this ladder: they follow a
//  complete head expression, and are valid only inside [ ] / { } literals

func (p *Parser) expression() ast.Expr {
	return p.lambdaExpr()
}

func (p *Parser) lambdaExpr() ast.Expr {
	if p.check(lexer.TokenLambda) {
		loc := p.loc()
		p.advance()
		var params []ast.Param
		if !p.check(lexer.TokenArrow) {
			for {
				name := p.consume(lexer.TokenName, "expected parameter name").Lexeme
				var def ast.Expr
				if p.match(lexer.TokenEq) {
					def = p.ternaryExpr()
				}
				params = append(params, ast.Param{Name: name, Default: def})
				if !p.match(lexer.TokenComma) {
					break
				}
			}
		}
		p.consume(lexer.TokenArrow, "expected '->'")
		body := p.lambdaExpr()
		block := &ast.Block{Location: body.Loc(), Stmts: []ast.Stmt{&ast.Return{Location: body.Loc(), Value: body}}}
		return &ast.Func{Location: loc, Params: params, Body: block}
	}
	return p.ternaryExpr()
}

func (p *Parser) ternaryExpr() ast.Expr {
	thenExpr := p.orExpr()
	if p.match(lexer.TokenIf) {
		loc := thenExpr.Loc()
		cond := p.ternaryExpr()
		p.consume(lexer.TokenElse, "expected 'else' in conditional expression")
		elseExpr := p.ternaryExpr()
		return &ast.IfExpr{Location: loc, Cond: cond, Then: thenExpr, Else: elseExpr}
	}
	return thenExpr
}

func (p *Parser) orExpr() ast.Expr {
	left := p.andExpr()
	for {
		_, ok := p.matchAny(binaryLevels[0].tokens)
		if !ok {
			return left
		}
		loc := left.Loc()
		right := p.andExpr()
		left = &ast.Binop{Location: loc, Op: "or", Left: left, Right: right}
	}
}

func (p *Parser) andExpr() ast.Expr {
	left := p.notExpr()
	for {
		_, ok := p.matchAny(binaryLevels[1].tokens)
		if !ok {
			return left
		}
		loc := left.Loc()
		right := p.notExpr()
		left = &ast.Binop{Location: loc, Op: "and", Left: left, Right: right}
	}
}

func (p *Parser) notExpr() ast.Expr {
	if p.check(lexer.TokenNot) {
		loc := p.loc()
		p.advance()
		operand := p.notExpr()
		return &ast.Monop{Location: loc, Op: "not", Operand: operand}
	}
	return p.comparisonLevel()
}

func (p *Parser) comparisonLevel() ast.Expr {
	left := p.snocLevel()
	tokens := binaryLevels[2].tokens
	op, ok := p.matchAny(tokens)
	if !ok {
		return left
	}
	loc := left.Loc()
	right := p.snocLevel()
	return &ast.Binop{Location: loc, Op: string(op), Left: left, Right: right}
}

func (p *Parser) snocLevel() ast.Expr {
	left := p.additiveLevel()
	for {
		op, ok := p.matchAny(binaryLevels[3].tokens)
		if !ok {
			return left
		}
		loc := left.Loc()
		right := p.additiveLevel()
		left = &ast.Binop{Location: loc, Op: string(op), Left: left, Right: right}
	}
}

func (p *Parser) additiveLevel() ast.Expr {
	left := p.multiplicativeLevel()
	for {
		op, ok := p.matchAny(binaryLevels[4].tokens)
		if !ok {
			return left
		}
		loc := left.Loc()
		right := p.multiplicativeLevel()
		left = &ast.Binop{Location: loc, Op: string(op), Left: left, Right: right}
	}
}

func (p *Parser) multiplicativeLevel() ast.Expr {
	left := p.unaryExpr()
	for {
		op, ok := p.matchAny(binaryLevels[5].tokens)
		if !ok {
			return left
		}
		loc := left.Loc()
		right := p.unaryExpr()
		left = &ast.Binop{Location: loc, Op: string(op), Left: left, Right: right}
	}
}

func (p *Parser) unaryExpr() ast.Expr {
	if p.check(lexer.TokenMinus) {
		loc := p.loc()
		p.advance()
		operand := p.unaryExpr()
		return &ast.Monop{Location: loc, Op: "-", Operand: operand}
	}
	return p.powerExpr()
}

func (p *Parser) powerExpr() ast.Expr {
	left := p.dollarExpr()
	if p.match(lexer.TokenStarStar) {
		loc := left.Loc()
		right := p.unaryExpr() // right-assoc: binds another unary/power chain
		return &ast.Binop{Location: loc, Op: "**", Left: left, Right: right}
	}
	return left
}

func (p *Parser) dollarExpr() ast.Expr {
	if p.check(lexer.TokenDollar) {
		return p.dollarName()
	}
	return p.postfixExpr()
}

// dollarName parses `$name(.name|[expr])*(@flag)*`, the greedy
// longest-match multipart dollar form.
func (p *Parser) dollarName() *ast.DollarName {
	loc := p.loc()
	p.consume(lexer.TokenDollar, "expected '$'")
	var parts []ast.DollarPart
	parts = append(parts, ast.DollarPart{Name: p.consume(lexer.TokenName, "expected name after '$'").Lexeme})
	for {
		if p.match(lexer.TokenDot) {
			parts = append(parts, ast.DollarPart{Name: p.consume(lexer.TokenName, "expected name after '.'").Lexeme})
			continue
		}
		if p.match(lexer.TokenLBrak) {
			idx := p.expression()
			p.consume(lexer.TokenRBrak, "expected ']'")
			parts = append(parts, ast.DollarPart{Index: idx})
			continue
		}
		break
	}
	var flags []string
	for p.match(lexer.TokenAt) {
		flags = append(flags, p.consume(lexer.TokenName, "expected flag name after '@'").Lexeme)
	}
	return &ast.DollarName{Location: loc, Parts: parts, Flags: flags}
}

func (p *Parser) postfixExpr() ast.Expr {
	expr := p.primary()
	for {
		loc := expr.Loc()
		switch {
		case p.match(lexer.TokenDot):
			name := p.consume(lexer.TokenName, "expected attribute name").Lexeme
			expr = &ast.Getattr{Location: loc, Obj: expr, Attr: name}
		case p.match(lexer.TokenLParen):
			args, kwargs := p.argList()
			p.consume(lexer.TokenRParen, "expected ')'")
			expr = &ast.Call{Location: loc, Func: expr, Args: args, Kwargs: kwargs}
		case p.match(lexer.TokenLBrak):
			idx := p.expression()
			p.consume(lexer.TokenRBrak, "expected ']'")
			expr = &ast.Call{Location: loc, Func: &ast.Name{Location: loc, Ident: "[]"}, Args: []ast.Expr{expr, idx}}
		default:
			return expr
		}
	}
}

func (p *Parser) argList() ([]ast.Expr, []ast.KwArg) {
	var args []ast.Expr
	var kwargs []ast.KwArg
	if p.check(lexer.TokenRParen) {
		return args, kwargs
	}
	for {
		if p.check(lexer.TokenName) && p.checkNext(lexer.TokenEq) {
			name := p.advance().Lexeme
			p.advance() // '='
			kwargs = append(kwargs, ast.KwArg{Name: name, Value: p.expression()})
		} else {
			args = append(args, p.expression())
		}
		if !p.match(lexer.TokenComma) {
			break
		}
	}
	return args, kwargs
}

func (p *Parser) primary() ast.Expr {
	loc := p.loc()
	switch {
	case p.match(lexer.TokenNumber):
		return p.numberLiteral(loc, p.previous().Lexeme)
	case p.match(lexer.TokenString):
		return &ast.Literal{Location: loc, Value: p.previous().Lexeme}
	case p.match(lexer.TokenTrue):
		return &ast.Literal{Location: loc, Value: true}
	case p.match(lexer.TokenFalse):
		return &ast.Literal{Location: loc, Value: false}
	case p.match(lexer.TokenName):
		return &ast.Name{Location: loc, Ident: p.previous().Lexeme}
	case p.match(lexer.TokenLParen):
		expr := p.expression()
		p.consume(lexer.TokenRParen, "expected ')'")
		return expr
	case p.check(lexer.TokenLBrak):
		return p.sequenceLiteral(lexer.TokenLBrak, lexer.TokenRBrak, "[]")
	case p.check(lexer.TokenLCurly):
		return p.curlyLiteral()
	}
	panic(p.errorAt(loc, "unexpected token %s", p.peek().Type))
}

func (p *Parser) numberLiteral(loc ast.Location, text string) ast.Expr {
	if strings.Contains(text, ".") {
		f, _ := strconv.ParseFloat(text, 64)
		return &ast.Literal{Location: loc, Value: f}
	}
	i, _ := strconv.ParseInt(text, 10, 64)
	return &ast.Literal{Location: loc, Value: i}
}

func (p *Parser) sequenceLiteral(open, close lexer.TokenType, kind string) ast.Expr {
	loc := p.loc()
	p.consume(open, "expected opening bracket")
	var items []ast.Expr
	if !p.check(close) {
		first := p.expression()
		if p.check(lexer.TokenFor) {
			comp := p.compTrailers(first)
			items = []ast.Expr{comp}
		} else {
			items = append(items, first)
			for p.match(lexer.TokenComma) {
				if p.check(close) {
					break
				}
				items = append(items, p.expression())
			}
		}
	}
	p.consume(close, "expected closing bracket")
	return &ast.SequenceLiteral{Location: loc, Kind: kind, Items: items}
}

// curlyLiteral parses `{}` / `{a, b}` (set) or `{k: v, ...}` (dict),
// including their comprehension forms.
func (p *Parser) curlyLiteral() ast.Expr {
	loc := p.loc()
	p.consume(lexer.TokenLCurly, "expected '{'")
	if p.check(lexer.TokenRCurly) {
		p.advance()
		return &ast.SequenceLiteral{Location: loc, Kind: "{}", Keys: []ast.Expr{}, Items: []ast.Expr{}}
	}
	firstKeyOrItem := p.expression()
	if p.match(lexer.TokenColon) {
		firstVal := p.expression()
		if p.check(lexer.TokenFor) {
			comp := p.compTrailers(firstVal)
			comp.Head = &ast.SequenceLiteral{Location: loc, Kind: "{}", Keys: []ast.Expr{firstKeyOrItem}, Items: []ast.Expr{comp.Head}}
			p.consume(lexer.TokenRCurly, "expected '}'")
			return &ast.SequenceLiteral{Location: loc, Kind: "{}", Items: []ast.Expr{comp}}
		}
		keys := []ast.Expr{firstKeyOrItem}
		vals := []ast.Expr{firstVal}
		for p.match(lexer.TokenComma) {
			if p.check(lexer.TokenRCurly) {
				break
			}
			k := p.expression()
			p.consume(lexer.TokenColon, "expected ':' in dict literal")
			v := p.expression()
			keys = append(keys, k)
			vals = append(vals, v)
		}
		p.consume(lexer.TokenRCurly, "expected '}'")
		return &ast.SequenceLiteral{Location: loc, Kind: "{}", Keys: keys, Items: vals}
	}
	if p.check(lexer.TokenFor) {
		comp := p.compTrailers(firstKeyOrItem)
		p.consume(lexer.TokenRCurly, "expected '}'")
		return &ast.SequenceLiteral{Location: loc, Kind: "{}", Items: []ast.Expr{comp}}
	}
	items := []ast.Expr{firstKeyOrItem}
	for p.match(lexer.TokenComma) {
		if p.check(lexer.TokenRCurly) {
			break
		}
		items = append(items, p.expression())
	}
	p.consume(lexer.TokenRCurly, "expected '}'")
	return &ast.SequenceLiteral{Location: loc, Kind: "{}", Items: items}
}

// compTrailers parses the `for x in xs (if cond)*` chain that follows a
// comprehension head, supporting multiple chained `for` clauses.
func (p *Parser) compTrailers(head ast.Expr) *ast.CompExpr {
	loc := head.Loc()
	var trailers []ast.Expr
	for p.check(lexer.TokenFor) {
		floc := p.loc()
		p.advance()
		ident := p.consume(lexer.TokenName, "expected comprehension variable").Lexeme
		p.consume(lexer.TokenIn, "expected 'in'")
		iterable := p.orExpr()
		trailers = append(trailers, &ast.CompForExpr{Location: floc, Ident: ident, Iterable: iterable})
		for p.match(lexer.TokenIf) {
			iloc := p.loc()
			cond := p.orExpr()
			trailers = append(trailers, &ast.CompIfExpr{Location: iloc, Cond: cond})
		}
	}
	return &ast.CompExpr{Location: loc, Head: head, Trailers: trailers}
}

// ---- token plumbing ----

func (p *Parser) matchAny(set map[lexer.TokenType]bool) (lexer.TokenType, bool) {
	if set[p.peek().Type] {
		return p.advance().Type, true
	}
	return "", false
}

func (p *Parser) match(tt lexer.TokenType) bool {
	if p.check(tt) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) check(tt lexer.TokenType) bool {
	return p.peek().Type == tt
}

func (p *Parser) checkNext(tt lexer.TokenType) bool {
	if p.current+1 >= len(p.tokens) {
		return false
	}
	return p.tokens[p.current+1].Type == tt
}

func (p *Parser) consume(tt lexer.TokenType, msg string) lexer.Token {
	if p.check(tt) {
		return p.advance()
	}
	panic(p.errorAt(p.loc(), "%s (got %s %q)", msg, p.peek().Type, p.peek().Lexeme))
}

func (p *Parser) advance() lexer.Token {
	t := p.tokens[p.current]
	if !p.isAtEnd() {
		p.current++
	}
	return t
}

func (p *Parser) previous() lexer.Token {
	return p.tokens[p.current-1]
}

func (p *Parser) peek() lexer.Token {
	return p.tokens[p.current]
}

func (p *Parser) isAtEnd() bool {
	return p.peek().Type == lexer.TokenEOF
}

func (p *Parser) loc() ast.Location {
	return p.locAt(p.current)
}

func (p *Parser) locAt(i int) ast.Location {
	if i >= len(p.tokens) {
		i = len(p.tokens) - 1
	}
	t := p.tokens[i]
	return ast.Location{File: p.file, Line: t.Line, Column: t.Column}
}

func (p *Parser) errorAt(loc ast.Location, format string, args ...interface{}) *errors.NsyError {
	err := errors.Atf(errors.ParseInvalid, loc.File, loc.Line, loc.Column, format, args...)
	if loc.Line-1 >= 0 && loc.Line-1 < len(p.sourceLines) {
		err = err.WithSource(p.sourceLines[loc.Line-1])
	}
	return err
}
