package basic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/parleyops/parley"
)

// Directives are resolved at compile time and never reach the
// dispatch registry.
const (
	dirWebhook  Opcode = "WEBHOOK"
	dirSchedule Opcode = "SET SCHEDULE"
)

// phraseNode is one level of the multi-word instruction trie.
type phraseNode struct {
	op       Opcode // "" when this prefix is not itself an instruction
	terminal bool
	next     map[string]*phraseNode
}

var phraseTrie = buildPhraseTrie()

// valueCapable marks opcodes usable in expression position.
var valueCapable = map[Opcode]bool{
	OpGetBotMemory:  true,
	OpGetUserMemory: true,
	OpRecall:        true,
	OpHTTPGet:       true,
	OpHTTPPost:      true,
	OpHTTPPut:       true,
	OpHTTPPatch:     true,
	OpHTTPDelete:    true,
	OpLLM:           true,
	OpExecute:       true,
	OpSendToBot:     true,
	OpDelegate:      true,
	OpWaitForBot:    true,
	OpInbox:         true,
	OpInsights:      true,
}

func buildPhraseTrie() *phraseNode {
	root := &phraseNode{next: map[string]*phraseNode{}}
	add := func(op Opcode) {
		node := root
		for _, word := range strings.Fields(string(op)) {
			child, ok := node.next[word]
			if !ok {
				child = &phraseNode{next: map[string]*phraseNode{}}
				node.next[word] = child
			}
			node = child
		}
		node.op = op
		node.terminal = true
	}
	for _, op := range []Opcode{
		OpTalk, OpHear, OpPrint, OpWait, OpTransferHuman,
		OpSetBotMemory, OpGetBotMemory, OpSetUserMemory, OpGetUserMemory,
		OpClearUserMemory, OpRemember, OpRecall, OpForget,
		OpUseKB, OpClearKB, OpUseTool, OpClearTools,
		OpAddSuggestion, OpClearSuggestions, OpAddBot, OpRemoveBot, OpSetContext,
		OpHTTPGet, OpHTTPPost, OpHTTPPut, OpHTTPPatch, OpHTTPDelete,
		OpSetHeader, OpClearHeaders,
		OpLLM, OpExecute,
		OpSendToBot, OpDelegate, OpHandoff, OpWaitForBot,
		OpBroadcast, OpCollaborate, OpInbox, OpReflect, OpInsights,
		dirWebhook, dirSchedule,
	} {
		add(op)
	}
	return root
}

// reservedStarters are words that begin a statement form and can
// never be assignment targets.
var reservedStarters = map[string]bool{
	"IF": true, "ELSE": true, "FOR": true, "NEXT": true, "EXIT": true,
	"WHILE": true, "WEND": true, "RETURN": true, "BEGIN": true, "END": true,
	"PARAM": true, "DESCRIPTION": true, "THEN": true,
}

func init() {
	for word := range phraseTrie.next {
		reservedStarters[word] = true
	}
}

// Compile turns source text into a Program. Compilation is pure:
// identical source always yields a structurally identical Program.
func Compile(name, source string) (*Program, error) {
	sum := sha256.Sum256([]byte(source))
	prog := &Program{
		Name: name,
		Hash: hex.EncodeToString(sum[:]),
	}
	c := &compiler{
		script: name,
		lines:  strings.Split(source, "\n"),
		prog:   prog,
	}
	body, stop, err := c.parseStmts(nil)
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, c.errf(c.lineNo(), "unexpected %s outside its block", stop)
	}
	prog.Body = body
	if len(prog.params) > 0 || prog.Description != "" {
		prog.Tool = &ToolDefinition{
			Name:        name,
			Description: prog.Description,
			Params:      prog.params,
		}
	}
	return prog, nil
}

type compiler struct {
	script string
	lines  []string
	pos    int // next line index
	prog   *Program
}

func (c *compiler) lineNo() int { return c.pos }

func (c *compiler) errf(line int, format string, args ...any) error {
	return &CompileError{Script: c.script, Line: line, Message: fmt.Sprintf(format, args...)}
}

// parseStmts parses statements until one of the terminator phrases or
// end of input. It returns the terminator it stopped on, "" at EOF.
func (c *compiler) parseStmts(terminators []string) ([]Stmt, string, error) {
	var stmts []Stmt
	for c.pos < len(c.lines) {
		raw := c.lines[c.pos]
		lineNo := c.pos + 1
		c.pos++

		stripped := stripComment(raw)
		toks, err := lexLine(stripped, lineNo)
		if err != nil {
			return nil, "", &CompileError{Script: c.script, Line: lineNo, Message: err.Error()}
		}
		if len(toks) == 0 {
			continue
		}
		if toks[0].kind == tokIdent && toks[0].text == "REM" {
			continue
		}

		if phrase, n := matchTerminator(toks, terminators); phrase != "" {
			if n != len(toks) {
				return nil, "", c.errf(lineNo, "unexpected tokens after %s", phrase)
			}
			return stmts, phrase, nil
		}

		stmt, err := c.parseLine(toks, lineNo)
		if err != nil {
			return nil, "", err
		}
		if stmt != nil {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, "", nil
}

// matchTerminator reports which terminator phrase the tokens begin
// with, and how many tokens it spans.
func matchTerminator(toks []token, terminators []string) (string, int) {
	for _, term := range terminators {
		words := strings.Fields(term)
		if len(toks) < len(words) {
			continue
		}
		ok := true
		for i, w := range words {
			if toks[i].kind != tokIdent || toks[i].text != w {
				ok = false
				break
			}
		}
		if ok {
			return term, len(words)
		}
	}
	return "", 0
}

// parseLine parses one logical statement line.
func (c *compiler) parseLine(toks []token, line int) (Stmt, error) {
	if toks[0].kind != tokIdent {
		return nil, c.errf(line, "statement must begin with an instruction or variable")
	}
	head := toks[0].text

	switch head {
	case "IF":
		return c.parseIf(toks, line)
	case "FOR":
		return c.parseForEach(toks, line)
	case "EXIT":
		if len(toks) == 2 && toks[1].kind == tokIdent && toks[1].text == "FOR" {
			return &ExitFor{Line: line}, nil
		}
		return nil, c.errf(line, "EXIT must be EXIT FOR")
	case "WHILE":
		return c.parseWhile(toks, line)
	case "RETURN":
		if len(toks) == 1 {
			return &Return{Line: line}, nil
		}
		p := newExprParser(c.script, toks[1:], line)
		expr, err := p.parseFull()
		if err != nil {
			return nil, err
		}
		return &Return{Line: line, Expr: expr}, nil
	case "BEGIN":
		return c.parseBeginBlock(toks, line)
	case "PARAM":
		return nil, c.parseParam(toks, line)
	case "DESCRIPTION":
		if len(toks) != 2 || toks[1].kind != tokString {
			return nil, c.errf(line, "DESCRIPTION takes one string literal")
		}
		c.prog.Description = toks[1].text
		return nil, nil
	}

	// Assignment: a plain identifier followed by "=".
	if !reservedStarters[head] {
		if len(toks) >= 2 && toks[1].kind == tokPunct && toks[1].text == "=" {
			p := newExprParser(c.script, toks[2:], line)
			expr, err := p.parseFull()
			if err != nil {
				return nil, err
			}
			return &Assign{Line: line, Name: strings.ToLower(head), Expr: expr}, nil
		}
		return nil, c.errf(line, "unknown instruction %q", head)
	}
	if len(toks) >= 2 && toks[1].kind == tokPunct && toks[1].text == "=" && !phraseRoot(head) {
		return nil, c.errf(line, "%s is reserved and cannot be assigned", head)
	}

	op, rest, err := matchPhrase(toks)
	if err != nil {
		return nil, c.errf(line, "%v", err)
	}

	switch op {
	case dirWebhook:
		if len(rest) != 1 || rest[0].kind != tokString {
			return nil, c.errf(line, "WEBHOOK takes one string literal endpoint name")
		}
		c.prog.Webhooks = append(c.prog.Webhooks, rest[0].text)
		return nil, nil
	case dirSchedule:
		if len(rest) != 1 || rest[0].kind != tokString {
			return nil, c.errf(line, "SET SCHEDULE takes one string literal expression")
		}
		c.prog.Schedules = append(c.prog.Schedules, rest[0].text)
		return nil, nil
	}

	p := newExprParser(c.script, rest, line)
	args, err := p.parseOpArgs(op)
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, c.errf(line, "unexpected tokens after %s", op)
	}
	return &Command{Line: line, Op: op, Args: args}, nil
}

func phraseRoot(word string) bool {
	_, ok := phraseTrie.next[word]
	return ok
}

// matchPhrase resolves the longest instruction phrase at the start of
// the token list. Entering the trie past the last complete instruction
// without terminating is an error, never a silent fallback.
func matchPhrase(toks []token) (Opcode, []token, error) {
	node := phraseTrie
	depth := 0
	bestOp := Opcode("")
	bestDepth := 0
	for depth < len(toks) && toks[depth].kind == tokIdent {
		child, ok := node.next[toks[depth].text]
		if !ok {
			break
		}
		node = child
		depth++
		if node.terminal {
			bestOp = node.op
			bestDepth = depth
		}
	}
	if depth == 0 {
		return "", nil, fmt.Errorf("unknown instruction %q", toks[0].text)
	}
	if bestDepth < depth {
		words := make([]string, depth)
		for i := range words {
			words[i] = toks[i].text
		}
		return "", nil, fmt.Errorf("ambiguous instruction phrase %q", strings.Join(words, " "))
	}
	return bestOp, toks[bestDepth:], nil
}

func (c *compiler) parseIf(toks []token, line int) (Stmt, error) {
	// Find THEN at nesting depth zero.
	thenAt := -1
	for i := 1; i < len(toks); i++ {
		if toks[i].kind == tokIdent && toks[i].text == "THEN" {
			thenAt = i
			break
		}
	}
	if thenAt < 0 {
		return nil, c.errf(line, "IF without THEN")
	}
	p := newExprParser(c.script, toks[1:thenAt], line)
	cond, err := p.parseFull()
	if err != nil {
		return nil, err
	}

	if thenAt+1 < len(toks) {
		// Single-line form: IF cond THEN stmt
		inner, err := c.parseLine(toks[thenAt+1:], line)
		if err != nil {
			return nil, err
		}
		return &If{Line: line, Cond: cond, Then: []Stmt{inner}}, nil
	}

	thenBody, stop, err := c.parseStmts([]string{"ELSE", "END IF"})
	if err != nil {
		return nil, err
	}
	node := &If{Line: line, Cond: cond, Then: thenBody}
	if stop == "ELSE" {
		elseBody, stop2, err := c.parseStmts([]string{"END IF"})
		if err != nil {
			return nil, err
		}
		if stop2 != "END IF" {
			return nil, c.errf(line, "IF without END IF")
		}
		node.Else = elseBody
	} else if stop != "END IF" {
		return nil, c.errf(line, "IF without END IF")
	}
	return node, nil
}

func (c *compiler) parseForEach(toks []token, line int) (Stmt, error) {
	// FOR EACH var IN expr
	if len(toks) < 5 || toks[1].kind != tokIdent || toks[1].text != "EACH" ||
		toks[2].kind != tokIdent ||
		toks[3].kind != tokIdent || toks[3].text != "IN" {
		return nil, c.errf(line, "FOR must be FOR EACH var IN collection")
	}
	p := newExprParser(c.script, toks[4:], line)
	in, err := p.parseFull()
	if err != nil {
		return nil, err
	}
	body, stop, err := c.parseStmts([]string{"NEXT"})
	if err != nil {
		return nil, err
	}
	if stop != "NEXT" {
		return nil, c.errf(line, "FOR EACH without NEXT")
	}
	return &ForEach{Line: line, Var: strings.ToLower(toks[2].text), In: in, Body: body}, nil
}

func (c *compiler) parseWhile(toks []token, line int) (Stmt, error) {
	p := newExprParser(c.script, toks[1:], line)
	cond, err := p.parseFull()
	if err != nil {
		return nil, err
	}
	body, stop, err := c.parseStmts([]string{"WEND"})
	if err != nil {
		return nil, err
	}
	if stop != "WEND" {
		return nil, c.errf(line, "WHILE without WEND")
	}
	return &While{Line: line, Cond: cond, Body: body}, nil
}

// parseBeginBlock captures the raw body of BEGIN TALK or BEGIN SYSTEM
// PROMPT up to the matching END marker. Body lines are kept verbatim,
// never re-tokenized.
func (c *compiler) parseBeginBlock(toks []token, line int) (Stmt, error) {
	var op Opcode
	var endPhrase []string
	switch {
	case len(toks) == 2 && toks[1].kind == tokIdent && toks[1].text == "TALK":
		op = OpTalkBlock
		endPhrase = []string{"END", "TALK"}
	case len(toks) == 3 && toks[1].kind == tokIdent && toks[1].text == "SYSTEM" &&
		toks[2].kind == tokIdent && toks[2].text == "PROMPT":
		op = OpSystemPrompt
		endPhrase = []string{"END", "SYSTEM", "PROMPT"}
	default:
		return nil, c.errf(line, "BEGIN must open TALK or SYSTEM PROMPT")
	}

	var body []string
	for c.pos < len(c.lines) {
		raw := c.lines[c.pos]
		c.pos++
		if isEndMarker(raw, endPhrase) {
			return &Command{Line: line, Op: op, Args: []Expr{&Lit{V: parley.S(strings.Join(body, "\n"))}}}, nil
		}
		body = append(body, raw)
	}
	return nil, c.errf(line, "BEGIN %s without END", strings.Join(endPhrase[1:], " "))
}

func isEndMarker(raw string, phrase []string) bool {
	fields := strings.Fields(raw)
	if len(fields) != len(phrase) {
		return false
	}
	for i, f := range fields {
		if !strings.EqualFold(f, phrase[i]) {
			return false
		}
	}
	return true
}

// Tokenizer

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokKind
	text string
	num  float64
	line int
}

// stripComment removes ' and // comments, leaving string literal
// bodies untouched.
func stripComment(line string) string {
	inStr := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inStr {
			if ch == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					i++ // escaped quote
					continue
				}
				inStr = false
			}
			continue
		}
		switch {
		case ch == '"':
			inStr = true
		case ch == '\'':
			return line[:i]
		case ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

// lexLine tokenizes one source line. Identifiers fold to upper case;
// string literal bodies are untouched, with "" escaping a quote.
func lexLine(line string, lineNo int) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		ch := line[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r':
			i++
		case ch == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(line) {
				if line[i] == '"' {
					if i+1 < len(line) && line[i+1] == '"' {
						b.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(line[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: b.String(), line: lineNo})
		case ch >= '0' && ch <= '9' || ch == '.' && i+1 < len(line) && line[i+1] >= '0' && line[i+1] <= '9':
			start := i
			for i < len(line) && (line[i] >= '0' && line[i] <= '9' || line[i] == '.') {
				i++
			}
			text := line[start:i]
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n, line: lineNo})
		case isIdentStart(ch):
			start := i
			for i < len(line) && isIdentPart(line[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: strings.ToUpper(line[start:i]), line: lineNo})
		default:
			// Two-char operators first.
			if i+1 < len(line) {
				two := line[i : i+2]
				if two == "<=" || two == ">=" || two == "<>" {
					toks = append(toks, token{kind: tokPunct, text: two, line: lineNo})
					i += 2
					continue
				}
			}
			switch ch {
			case '=', '<', '>', '+', '-', '&', '*', '/', '(', ')', '[', ']', '{', '}', ',', ':':
				toks = append(toks, token{kind: tokPunct, text: string(ch), line: lineNo})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q", string(ch))
			}
		}
	}
	return toks, nil
}

func isIdentStart(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}

// Expression parser

// builtinFuncs are the callable expression functions.
var builtinFuncs = map[string]bool{
	"FORMAT": true, "RANDOM": true, "NOW": true,
	"UCASE": true, "LCASE": true, "TRIM": true, "LEN": true,
	"INSTR": true, "SPLIT": true, "JOIN": true,
}

type exprParser struct {
	script string
	toks   []token
	i      int
	line   int
}

func newExprParser(script string, toks []token, line int) *exprParser {
	return &exprParser{script: script, toks: toks, line: line}
}

func (p *exprParser) done() bool { return p.i >= len(p.toks) }

func (p *exprParser) errf(format string, args ...any) error {
	return &CompileError{Script: p.script, Line: p.line, Message: fmt.Sprintf(format, args...)}
}

func (p *exprParser) peek() (token, bool) {
	if p.done() {
		return token{}, false
	}
	return p.toks[p.i], true
}

func (p *exprParser) acceptIdent(word string) bool {
	if t, ok := p.peek(); ok && t.kind == tokIdent && t.text == word {
		p.i++
		return true
	}
	return false
}

func (p *exprParser) acceptPunct(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tokPunct && t.text == text {
		p.i++
		return true
	}
	return false
}

func (p *exprParser) expectPunct(text string) error {
	if !p.acceptPunct(text) {
		return p.errf("expected %q", text)
	}
	return nil
}

// parseFull parses a complete expression and requires all tokens
// consumed.
func (p *exprParser) parseFull() (Expr, error) {
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errf("unexpected token %q", p.toks[p.i].text)
	}
	return e, nil
}

func (p *exprParser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *exprParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", L: left, R: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (Expr, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("AND") {
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", L: left, R: right}
	}
	return left, nil
}

func (p *exprParser) parseCompare() (Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokPunct {
			return left, nil
		}
		switch t.text {
		case "=", "<>", "<", ">", "<=", ">=":
			p.i++
			right, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: t.text, L: left, R: right}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseAdd() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokPunct || (t.text != "+" && t.text != "-" && t.text != "&") {
			return left, nil
		}
		p.i++
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, L: left, R: right}
	}
}

func (p *exprParser) parseMul() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok {
			return left, nil
		}
		var op string
		switch {
		case t.kind == tokPunct && (t.text == "*" || t.text == "/"):
			op = t.text
		case t.kind == tokIdent && t.text == "MOD":
			op = "MOD"
		default:
			return left, nil
		}
		p.i++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, L: left, R: right}
	}
}

func (p *exprParser) parseUnary() (Expr, error) {
	if p.acceptIdent("NOT") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", X: x}, nil
	}
	if p.acceptPunct("-") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", X: x}, nil
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.acceptPunct("[") {
		idx, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		x = &Index{X: x, I: idx}
	}
	return x, nil
}

func (p *exprParser) parsePrimary() (Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, p.errf("expected expression")
	}
	switch t.kind {
	case tokNumber:
		p.i++
		return &Lit{V: parley.N(t.num)}, nil
	case tokString:
		p.i++
		return &Lit{V: parley.S(t.text)}, nil
	case tokPunct:
		switch t.text {
		case "(":
			p.i++
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		case "[":
			return p.parseArrayLit()
		case "{":
			return p.parseMapLit()
		}
		return nil, p.errf("unexpected token %q", t.text)
	}

	// Identifier position: literal words, a builtin call, a keyword
	// phrase in value position, or a plain variable.
	switch t.text {
	case "TRUE":
		p.i++
		return &Lit{V: parley.B(true)}, nil
	case "FALSE":
		p.i++
		return &Lit{V: parley.B(false)}, nil
	case "NULL":
		p.i++
		return &Lit{V: parley.Null}, nil
	}

	if builtinFuncs[t.text] && p.i+1 < len(p.toks) &&
		p.toks[p.i+1].kind == tokPunct && p.toks[p.i+1].text == "(" {
		return p.parseCallExpr(t.text)
	}

	if op, width, err := p.matchValuePhrase(); err != nil {
		return nil, err
	} else if op != "" {
		p.i += width
		args, err := p.parseOpArgs(op)
		if err != nil {
			return nil, err
		}
		return &KeywordExpr{Line: p.line, Op: op, Args: args}, nil
	}

	p.i++
	return &VarRef{Name: strings.ToLower(t.text)}, nil
}

// matchValuePhrase resolves a keyword phrase at the cursor when that
// phrase is usable in value position. A non-value statement phrase in
// expression position is left alone and reads as a variable.
func (p *exprParser) matchValuePhrase() (Opcode, int, error) {
	node := phraseTrie
	depth := 0
	bestOp := Opcode("")
	bestDepth := 0
	for p.i+depth < len(p.toks) && p.toks[p.i+depth].kind == tokIdent {
		child, ok := node.next[p.toks[p.i+depth].text]
		if !ok {
			break
		}
		node = child
		depth++
		if node.terminal && valueCapable[node.op] {
			bestOp = node.op
			bestDepth = depth
		}
	}
	if bestOp == "" {
		return "", 0, nil
	}
	if depth > bestDepth {
		words := make([]string, depth)
		for i := range words {
			words[i] = p.toks[p.i+i].text
		}
		return "", 0, p.errf("ambiguous instruction phrase %q", strings.Join(words, " "))
	}
	return bestOp, bestDepth, nil
}

func (p *exprParser) parseArrayLit() (Expr, error) {
	p.i++ // consume [
	arr := &ArrayLit{}
	if p.acceptPunct("]") {
		return arr, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, e)
		if p.acceptPunct("]") {
			return arr, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseMapLit() (Expr, error) {
	p.i++ // consume {
	m := &MapLit{}
	if p.acceptPunct("}") {
		return m, nil
	}
	for {
		t, ok := p.peek()
		if !ok || (t.kind != tokIdent && t.kind != tokString) {
			return nil, p.errf("map key must be an identifier or string")
		}
		key := t.text
		if t.kind == tokIdent {
			key = strings.ToLower(key)
		}
		p.i++
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, v)
		if p.acceptPunct("}") {
			return m, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseCallExpr(fn string) (Expr, error) {
	p.i += 2 // name and (
	call := &Call{Fn: fn}
	if p.acceptPunct(")") {
		return call, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, e)
		if p.acceptPunct(")") {
			return call, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

// parseOpArgs parses the argument shape of one instruction, shared by
// statement and value positions.
func (p *exprParser) parseOpArgs(op Opcode) ([]Expr, error) {
	switch op {
	// No arguments.
	case OpClearKB, OpClearTools, OpClearSuggestions, OpClearUserMemory,
		OpClearHeaders, OpTransferHuman, OpInbox, OpReflect, OpInsights:
		return nil, nil

	// HEAR var binds user input to a named variable.
	case OpHear:
		t, ok := p.peek()
		if !ok || t.kind != tokIdent || reservedStarters[t.text] {
			return nil, p.errf("HEAR takes a variable name")
		}
		p.i++
		return []Expr{&Lit{V: parley.S(strings.ToLower(t.text))}}, nil

	// One expression.
	case OpTalk, OpPrint, OpWait, OpSetContext, OpLLM, OpBroadcast,
		OpUseKB, OpUseTool, OpAddBot, OpRemoveBot, OpHandoff,
		OpGetBotMemory, OpGetUserMemory, OpRecall, OpForget,
		OpHTTPGet, OpHTTPDelete:
		return p.commaArgs(1, 1)

	// Two comma-separated expressions.
	case OpSetBotMemory, OpSetUserMemory, OpSetHeader, OpExecute:
		return p.commaArgs(2, 2)

	// URL plus body.
	case OpHTTPPost, OpHTTPPut, OpHTTPPatch:
		return p.commaArgs(2, 2)

	// REMEMBER key, value [, ttlSeconds]
	case OpRemember:
		return p.commaArgs(2, 3)

	// ADD SUGGESTION text AS label
	case OpAddSuggestion:
		text, err := p.parseExprStop("AS")
		if err != nil {
			return nil, err
		}
		if !p.acceptIdent("AS") {
			return nil, p.errf("ADD SUGGESTION requires AS label")
		}
		label, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return []Expr{text, label}, nil

	// SEND TO BOT target MESSAGE payload
	case OpSendToBot:
		target, err := p.parseExprStop("MESSAGE")
		if err != nil {
			return nil, err
		}
		if !p.acceptIdent("MESSAGE") {
			return nil, p.errf("SEND TO BOT requires MESSAGE payload")
		}
		payload, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return []Expr{target, payload}, nil

	// DELEGATE task TO BOT target [TIMEOUT seconds]
	case OpDelegate:
		task, err := p.parseExprStop("TO")
		if err != nil {
			return nil, err
		}
		if !p.acceptIdent("TO") || !p.acceptIdent("BOT") {
			return nil, p.errf("DELEGATE requires TO BOT target")
		}
		target, err := p.parseExprStop("TIMEOUT")
		if err != nil {
			return nil, err
		}
		args := []Expr{task, target}
		if p.acceptIdent("TIMEOUT") {
			timeout, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, timeout)
		}
		return args, nil

	// WAIT FOR BOT correlation [TIMEOUT seconds]
	case OpWaitForBot:
		corr, err := p.parseExprStop("TIMEOUT")
		if err != nil {
			return nil, err
		}
		args := []Expr{corr}
		if p.acceptIdent("TIMEOUT") {
			timeout, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, timeout)
		}
		return args, nil

	// COLLABORATE WITH targets ON task
	case OpCollaborate:
		targets, err := p.parseExprStop("ON")
		if err != nil {
			return nil, err
		}
		if !p.acceptIdent("ON") {
			return nil, p.errf("COLLABORATE WITH requires ON task")
		}
		task, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return []Expr{targets, task}, nil
	}
	return nil, p.errf("no argument form for %s", op)
}

// commaArgs parses between min and max comma-separated expressions.
func (p *exprParser) commaArgs(min, max int) ([]Expr, error) {
	var args []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if len(args) == max || !p.acceptPunct(",") {
			break
		}
	}
	if len(args) < min {
		return nil, p.errf("expected %d argument(s), got %d", min, len(args))
	}
	return args, nil
}

// parseExprStop parses an expression that ends at the given keyword.
// The keyword is matched only at the top level of the argument, so a
// variable cannot swallow the separator.
func (p *exprParser) parseExprStop(stop string) (Expr, error) {
	end := p.i
	nesting := 0
	for end < len(p.toks) {
		t := p.toks[end]
		switch {
		case t.kind == tokPunct && (t.text == "(" || t.text == "[" || t.text == "{"):
			nesting++
		case t.kind == tokPunct && (t.text == ")" || t.text == "]" || t.text == "}"):
			nesting--
		case t.kind == tokIdent && t.text == stop && nesting == 0:
			goto found
		}
		end++
	}
found:
	sub := newExprParser(p.script, p.toks[p.i:end], p.line)
	e, err := sub.parseFull()
	if err != nil {
		return nil, err
	}
	p.i = end
	return e, nil
}
