// Package basic compiles and executes dialog scripts: a small,
// case-insensitive keyword language whose statements drive a
// conversational agent. Source text compiles once into a Program;
// the Runtime executes Program instances against layered scopes.
package basic

import (
	"fmt"

	"github.com/parleyops/parley"
)

// Opcode names one executable instruction after multi-word phrase
// resolution. Opcodes are the keys of the dispatch registry.
type Opcode string

const (
	// Conversation.
	OpTalk          Opcode = "TALK"
	OpTalkBlock     Opcode = "TALK BLOCK"
	OpHear          Opcode = "HEAR"
	OpPrint         Opcode = "PRINT"
	OpWait          Opcode = "WAIT"
	OpSystemPrompt  Opcode = "SYSTEM PROMPT"
	OpTransferHuman Opcode = "TRANSFER TO HUMAN"

	// Memory.
	OpSetBotMemory    Opcode = "SET BOT MEMORY"
	OpGetBotMemory    Opcode = "GET BOT MEMORY"
	OpSetUserMemory   Opcode = "SET USER MEMORY"
	OpGetUserMemory   Opcode = "GET USER MEMORY"
	OpClearUserMemory Opcode = "CLEAR USER MEMORY"
	OpRemember        Opcode = "REMEMBER"
	OpRecall          Opcode = "RECALL"
	OpForget          Opcode = "FORGET"

	// Session UI state.
	OpUseKB            Opcode = "USE KB"
	OpClearKB          Opcode = "CLEAR KB"
	OpUseTool          Opcode = "USE TOOL"
	OpClearTools       Opcode = "CLEAR TOOLS"
	OpAddSuggestion    Opcode = "ADD SUGGESTION"
	OpClearSuggestions Opcode = "CLEAR SUGGESTIONS"
	OpAddBot           Opcode = "ADD BOT"
	OpRemoveBot        Opcode = "REMOVE BOT"
	OpSetContext       Opcode = "SET CONTEXT"

	// Outbound HTTP.
	OpHTTPGet      Opcode = "GET"
	OpHTTPPost     Opcode = "POST"
	OpHTTPPut      Opcode = "PUT"
	OpHTTPPatch    Opcode = "PATCH"
	OpHTTPDelete   Opcode = "DELETE"
	OpSetHeader    Opcode = "SET HEADER"
	OpClearHeaders Opcode = "CLEAR HEADERS"

	// Model and sandbox.
	OpLLM     Opcode = "LLM"
	OpExecute Opcode = "EXECUTE"

	// Agent to agent.
	OpSendToBot   Opcode = "SEND TO BOT"
	OpDelegate    Opcode = "DELEGATE"
	OpHandoff     Opcode = "DELEGATE CONVERSATION TO"
	OpWaitForBot  Opcode = "WAIT FOR BOT"
	OpBroadcast   Opcode = "BROADCAST MESSAGE"
	OpCollaborate Opcode = "COLLABORATE WITH"
	OpInbox       Opcode = "GET A2A MESSAGES"
	OpReflect     Opcode = "REFLECT ON"
	OpInsights    Opcode = "GET REFLECTION INSIGHTS"
)

// CompileError is a script defect caught before any instance runs.
type CompileError struct {
	Script  string
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Script, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Script, e.Message)
}

// RuntimeError is a handler-level failure that aborts the rest of the
// current instance.
type RuntimeError struct {
	Script string
	Line   int
	Op     Opcode
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %v", e.Script, e.Line, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ParamDecl is one declared tool parameter.
type ParamDecl struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // JSON-schema type
	Example     string   `json:"example,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDefinition is a script's callable-function signature, exported
// to the LLM trigger.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamDecl `json:"params"`
}

// Program is one compiled script: immutable statements plus the
// registration directives the loader acts on.
type Program struct {
	Name        string
	Hash        string // SHA-256 of source
	Description string
	Body        []Stmt
	Tool        *ToolDefinition
	Webhooks    []string // WEBHOOK directives
	Schedules   []string // SET SCHEDULE directives

	params []ParamDecl // collected before Tool is assembled
}

// Stmt is one executable statement.
type Stmt interface {
	Pos() int // source line
}

// Command is a single keyword instruction with evaluated arguments.
type Command struct {
	Line int
	Op   Opcode
	Args []Expr
}

func (c *Command) Pos() int { return c.Line }

// Assign binds the result of an expression to a variable.
type Assign struct {
	Line int
	Name string
	Expr Expr
}

func (a *Assign) Pos() int { return a.Line }

// If is a multi-way branch.
type If struct {
	Line int
	Cond Expr
	Then []Stmt
	Else []Stmt
}

func (i *If) Pos() int { return i.Line }

// ForEach iterates a collection, binding each element to Var.
type ForEach struct {
	Line int
	Var  string
	In   Expr
	Body []Stmt
}

func (f *ForEach) Pos() int { return f.Line }

// ExitFor breaks the innermost FOR EACH loop.
type ExitFor struct {
	Line int
}

func (e *ExitFor) Pos() int { return e.Line }

// While loops while the condition is truthy.
type While struct {
	Line int
	Cond Expr
	Body []Stmt
}

func (w *While) Pos() int { return w.Line }

// Return ends the instance with a result value.
type Return struct {
	Line int
	Expr Expr // nil returns null
}

func (r *Return) Pos() int { return r.Line }

// Expr is one evaluable expression.
type Expr interface {
	exprNode()
}

// Lit is a literal value.
type Lit struct {
	V parley.Value
}

func (*Lit) exprNode() {}

// VarRef reads a scope variable by case-folded name.
type VarRef struct {
	Name string
}

func (*VarRef) exprNode() {}

// Unary applies NOT or numeric negation.
type Unary struct {
	Op string // "NOT" or "-"
	X  Expr
}

func (*Unary) exprNode() {}

// Binary applies an infix operator.
type Binary struct {
	Op   string // OR AND = <> < > <= >= + - & * / MOD
	L, R Expr
}

func (*Binary) exprNode() {}

// Index subscripts an array or map.
type Index struct {
	X Expr
	I Expr
}

func (*Index) exprNode() {}

// ArrayLit builds an array value.
type ArrayLit struct {
	Items []Expr
}

func (*ArrayLit) exprNode() {}

// MapLit builds a map value from string keys.
type MapLit struct {
	Keys   []string
	Values []Expr
}

func (*MapLit) exprNode() {}

// Call invokes a builtin function such as FORMAT or UCASE.
type Call struct {
	Fn   string
	Args []Expr
}

func (*Call) exprNode() {}

// KeywordExpr is a keyword instruction in value position, for example
// GET BOT MEMORY "k" on the right-hand side of an assignment. It is
// dispatched through the same registry as Command.
type KeywordExpr struct {
	Line int
	Op   Opcode
	Args []Expr
}

func (*KeywordExpr) exprNode() {}
