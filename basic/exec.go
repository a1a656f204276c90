package basic

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/parleyops/parley"
)

// Handler executes one opcode against a running instance. Arguments
// are already evaluated; the returned value feeds value-position uses
// and is discarded in statement position.
type Handler func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error)

// Registry maps opcodes to handlers.
type Registry struct {
	handlers map[Opcode]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Opcode]Handler)}
}

// Register binds a handler to an opcode, replacing any existing one.
func (r *Registry) Register(op Opcode, h Handler) {
	r.handlers[op] = h
}

// Handler returns the handler for an opcode.
func (r *Registry) Handler(op Opcode) (Handler, bool) {
	h, ok := r.handlers[op]
	return h, ok
}

// Verify checks that every opcode in a compiled program has a handler.
// An unresolved opcode fails here, before any instance runs.
func (r *Registry) Verify(prog *Program) error {
	var missing Opcode
	walkOpcodes(prog.Body, func(op Opcode) {
		if missing != "" {
			return
		}
		if _, ok := r.handlers[op]; !ok {
			missing = op
		}
	})
	if missing != "" {
		return &CompileError{Script: prog.Name, Message: fmt.Sprintf("unresolved instruction %s", missing)}
	}
	return nil
}

func walkOpcodes(stmts []Stmt, visit func(Opcode)) {
	var walkExpr func(e Expr)
	walkExpr = func(e Expr) {
		switch n := e.(type) {
		case *Unary:
			walkExpr(n.X)
		case *Binary:
			walkExpr(n.L)
			walkExpr(n.R)
		case *Index:
			walkExpr(n.X)
			walkExpr(n.I)
		case *ArrayLit:
			for _, it := range n.Items {
				walkExpr(it)
			}
		case *MapLit:
			for _, v := range n.Values {
				walkExpr(v)
			}
		case *Call:
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *KeywordExpr:
			visit(n.Op)
			for _, a := range n.Args {
				walkExpr(a)
			}
		}
	}
	var walk func(list []Stmt)
	walk = func(list []Stmt) {
		for _, s := range list {
			switch n := s.(type) {
			case *Command:
				visit(n.Op)
				for _, a := range n.Args {
					walkExpr(a)
				}
			case *Assign:
				walkExpr(n.Expr)
			case *If:
				walkExpr(n.Cond)
				walk(n.Then)
				walk(n.Else)
			case *ForEach:
				walkExpr(n.In)
				walk(n.Body)
			case *While:
				walkExpr(n.Cond)
				walk(n.Body)
			case *Return:
				if n.Expr != nil {
					walkExpr(n.Expr)
				}
			}
		}
	}
	walk(stmts)
}

// Control-flow signals unwound by the walker.
type returnSignal struct {
	v parley.Value
}

func (returnSignal) Error() string { return "return" }

var errExitFor = errors.New("exit for")

// Execution is one running script instance: a program bound to a
// scope, a dispatch registry, and the ambient backends it may touch.
type Execution struct {
	Prog    *Program
	Scope   *parley.Scope
	Session *parley.Session // nil outside live turns
	BotID   string
	UserID  string
	Hop     int // parent delegation depth, 0 at the root

	rt      *Runtime
	reg     *Registry
	emit    func(string)
	headers map[string]string // outbound HTTP headers for this instance
}

// NewExecution binds a program to a scope for one run.
func NewExecution(rt *Runtime, prog *Program, scope *parley.Scope) *Execution {
	ex := &Execution{
		Prog:  prog,
		Scope: scope,
		rt:    rt,
	}
	if rt != nil {
		ex.reg = rt.Registry()
	}
	return ex
}

// Runtime returns the owning runtime, nil in bare tests.
func (ex *Execution) Runtime() *Runtime { return ex.rt }

// SetEmit directs conversation output for instances with no session,
// such as webhook and schedule runs.
func (ex *Execution) SetEmit(fn func(string)) { ex.emit = fn }

// Emit sends one line of conversation output.
func (ex *Execution) Emit(text string) {
	if ex.Session != nil {
		ex.Session.Emit(text)
		return
	}
	if ex.emit != nil {
		ex.emit(text)
	}
}

// Header records an outbound HTTP header for later requests.
func (ex *Execution) Header(name, value string) {
	if ex.headers == nil {
		ex.headers = make(map[string]string)
	}
	ex.headers[name] = value
}

// Headers returns the instance's outbound HTTP headers.
func (ex *Execution) Headers() map[string]string { return ex.headers }

// ClearHeaders drops all outbound HTTP headers.
func (ex *Execution) ClearHeaders() { ex.headers = nil }

// Run executes the program body and returns the script result: the
// RETURN value, or null when the script falls off the end.
func (ex *Execution) Run(ctx context.Context) (parley.Value, error) {
	err := ex.execStmts(ctx, ex.Prog.Body)
	var ret returnSignal
	if errors.As(err, &ret) {
		return ret.v, nil
	}
	if err != nil {
		return parley.Null, err
	}
	return parley.Null, nil
}

func (ex *Execution) execStmts(ctx context.Context, stmts []Stmt) error {
	for _, s := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ex.execStmt(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Execution) execStmt(ctx context.Context, s Stmt) error {
	switch n := s.(type) {
	case *Command:
		args, err := ex.evalArgs(ctx, n.Args)
		if err != nil {
			return err
		}
		_, err = ex.dispatch(ctx, n.Line, n.Op, args)
		return err

	case *Assign:
		v, err := ex.evalExpr(ctx, n.Expr)
		if err != nil {
			return err
		}
		ex.Scope.Set(n.Name, v)
		return nil

	case *If:
		cond, err := ex.evalExpr(ctx, n.Cond)
		if err != nil {
			return err
		}
		if cond.Truthy() {
			return ex.execStmts(ctx, n.Then)
		}
		return ex.execStmts(ctx, n.Else)

	case *ForEach:
		coll, err := ex.evalExpr(ctx, n.In)
		if err != nil {
			return err
		}
		for _, item := range coll.Items() {
			ex.Scope.Set(n.Var, item)
			if err := ex.execStmts(ctx, n.Body); err != nil {
				if errors.Is(err, errExitFor) {
					return nil
				}
				return err
			}
		}
		return nil

	case *ExitFor:
		return errExitFor

	case *While:
		for {
			cond, err := ex.evalExpr(ctx, n.Cond)
			if err != nil {
				return err
			}
			if !cond.Truthy() {
				return nil
			}
			if err := ex.execStmts(ctx, n.Body); err != nil {
				if errors.Is(err, errExitFor) {
					return nil
				}
				return err
			}
		}

	case *Return:
		if n.Expr == nil {
			return returnSignal{v: parley.Null}
		}
		v, err := ex.evalExpr(ctx, n.Expr)
		if err != nil {
			return err
		}
		return returnSignal{v: v}
	}
	return fmt.Errorf("unhandled statement %T", s)
}

// dispatch runs one opcode through the registry, wrapping handler
// failures with script position. Handoff and control signals pass
// through unwrapped.
func (ex *Execution) dispatch(ctx context.Context, line int, op Opcode, args []parley.Value) (parley.Value, error) {
	if ex.reg == nil {
		return parley.Null, &RuntimeError{Script: ex.Prog.Name, Line: line, Op: op, Err: errors.New("no dispatch registry")}
	}
	h, ok := ex.reg.Handler(op)
	if !ok {
		return parley.Null, &RuntimeError{Script: ex.Prog.Name, Line: line, Op: op, Err: errors.New("unresolved instruction")}
	}
	v, err := h(ctx, ex, args)
	if err != nil {
		if errors.Is(err, parley.ErrHandoff) || errors.Is(err, parley.ErrSessionEnded) {
			return v, err
		}
		return v, &RuntimeError{Script: ex.Prog.Name, Line: line, Op: op, Err: err}
	}
	return v, nil
}

func (ex *Execution) evalArgs(ctx context.Context, exprs []Expr) ([]parley.Value, error) {
	args := make([]parley.Value, len(exprs))
	for i, e := range exprs {
		v, err := ex.evalExpr(ctx, e)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (ex *Execution) evalExpr(ctx context.Context, e Expr) (parley.Value, error) {
	switch n := e.(type) {
	case *Lit:
		return n.V, nil

	case *VarRef:
		return ex.Scope.Get(n.Name), nil

	case *Unary:
		x, err := ex.evalExpr(ctx, n.X)
		if err != nil {
			return parley.Null, err
		}
		if n.Op == "NOT" {
			return parley.B(!x.Truthy()), nil
		}
		num, ok := x.Num()
		if !ok {
			return parley.Null, fmt.Errorf("cannot negate %q", x.Text())
		}
		return parley.N(-num), nil

	case *Binary:
		return ex.evalBinary(ctx, n)

	case *Index:
		x, err := ex.evalExpr(ctx, n.X)
		if err != nil {
			return parley.Null, err
		}
		i, err := ex.evalExpr(ctx, n.I)
		if err != nil {
			return parley.Null, err
		}
		return x.Index(i), nil

	case *ArrayLit:
		items := make([]parley.Value, len(n.Items))
		for i, it := range n.Items {
			v, err := ex.evalExpr(ctx, it)
			if err != nil {
				return parley.Null, err
			}
			items[i] = v
		}
		return parley.Arr(items...), nil

	case *MapLit:
		m := make(map[string]parley.Value, len(n.Keys))
		for i, k := range n.Keys {
			v, err := ex.evalExpr(ctx, n.Values[i])
			if err != nil {
				return parley.Null, err
			}
			m[k] = v
		}
		return parley.M(m), nil

	case *Call:
		args, err := ex.evalArgs(ctx, n.Args)
		if err != nil {
			return parley.Null, err
		}
		return evalBuiltin(n.Fn, args)

	case *KeywordExpr:
		args, err := ex.evalArgs(ctx, n.Args)
		if err != nil {
			return parley.Null, err
		}
		return ex.dispatch(ctx, n.Line, n.Op, args)
	}
	return parley.Null, fmt.Errorf("unhandled expression %T", e)
}

func (ex *Execution) evalBinary(ctx context.Context, n *Binary) (parley.Value, error) {
	// Short-circuit forms first.
	switch n.Op {
	case "AND":
		l, err := ex.evalExpr(ctx, n.L)
		if err != nil {
			return parley.Null, err
		}
		if !l.Truthy() {
			return parley.B(false), nil
		}
		r, err := ex.evalExpr(ctx, n.R)
		if err != nil {
			return parley.Null, err
		}
		return parley.B(r.Truthy()), nil
	case "OR":
		l, err := ex.evalExpr(ctx, n.L)
		if err != nil {
			return parley.Null, err
		}
		if l.Truthy() {
			return parley.B(true), nil
		}
		r, err := ex.evalExpr(ctx, n.R)
		if err != nil {
			return parley.Null, err
		}
		return parley.B(r.Truthy()), nil
	}

	l, err := ex.evalExpr(ctx, n.L)
	if err != nil {
		return parley.Null, err
	}
	r, err := ex.evalExpr(ctx, n.R)
	if err != nil {
		return parley.Null, err
	}

	switch n.Op {
	case "=":
		return parley.B(l.Equal(r)), nil
	case "<>":
		return parley.B(!l.Equal(r)), nil
	case "<":
		return parley.B(l.Compare(r) < 0), nil
	case ">":
		return parley.B(l.Compare(r) > 0), nil
	case "<=":
		return parley.B(l.Compare(r) <= 0), nil
	case ">=":
		return parley.B(l.Compare(r) >= 0), nil
	case "+":
		return l.Add(r), nil
	case "&":
		return parley.S(l.Text() + r.Text()), nil
	case "-", "*", "/", "MOD":
		ln, lok := l.Num()
		rn, rok := r.Num()
		if !lok || !rok {
			return parley.Null, fmt.Errorf("%s needs numeric operands, got %q and %q", n.Op, l.Text(), r.Text())
		}
		switch n.Op {
		case "-":
			return parley.N(ln - rn), nil
		case "*":
			return parley.N(ln * rn), nil
		case "/":
			if rn == 0 {
				return parley.Null, errors.New("division by zero")
			}
			return parley.N(ln / rn), nil
		case "MOD":
			if rn == 0 {
				return parley.Null, errors.New("division by zero")
			}
			return parley.N(float64(int64(ln) % int64(rn))), nil
		}
	}
	return parley.Null, fmt.Errorf("unknown operator %s", n.Op)
}

// evalBuiltin implements the expression functions.
func evalBuiltin(fn string, args []parley.Value) (parley.Value, error) {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", fn, n, len(args))
		}
		return nil
	}
	switch fn {
	case "FORMAT":
		if len(args) < 1 {
			return parley.Null, errors.New("FORMAT needs a template")
		}
		out := args[0].Text()
		for i, a := range args[1:] {
			out = strings.ReplaceAll(out, fmt.Sprintf("{%d}", i), a.Text())
		}
		return parley.S(out), nil
	case "RANDOM":
		if err := need(1); err != nil {
			return parley.Null, err
		}
		n := args[0].Int()
		if n < 1 {
			return parley.Null, fmt.Errorf("RANDOM needs a positive bound, got %d", n)
		}
		return parley.N(float64(rand.Intn(n) + 1)), nil
	case "NOW":
		if err := need(0); err != nil {
			return parley.Null, err
		}
		return parley.S(time.Now().Format(time.RFC3339)), nil
	case "UCASE":
		if err := need(1); err != nil {
			return parley.Null, err
		}
		return parley.S(strings.ToUpper(args[0].Text())), nil
	case "LCASE":
		if err := need(1); err != nil {
			return parley.Null, err
		}
		return parley.S(strings.ToLower(args[0].Text())), nil
	case "TRIM":
		if err := need(1); err != nil {
			return parley.Null, err
		}
		return parley.S(strings.TrimSpace(args[0].Text())), nil
	case "LEN":
		if err := need(1); err != nil {
			return parley.Null, err
		}
		return parley.N(float64(args[0].Len())), nil
	case "INSTR":
		if err := need(2); err != nil {
			return parley.Null, err
		}
		// 1-based position, 0 when absent.
		return parley.N(float64(strings.Index(args[0].Text(), args[1].Text()) + 1)), nil
	case "SPLIT":
		if err := need(2); err != nil {
			return parley.Null, err
		}
		parts := strings.Split(args[0].Text(), args[1].Text())
		items := make([]parley.Value, len(parts))
		for i, p := range parts {
			items[i] = parley.S(p)
		}
		return parley.Arr(items...), nil
	case "JOIN":
		if err := need(2); err != nil {
			return parley.Null, err
		}
		parts := make([]string, 0)
		for _, it := range args[0].Items() {
			parts = append(parts, it.Text())
		}
		return parley.S(strings.Join(parts, args[1].Text())), nil
	}
	return parley.Null, fmt.Errorf("unknown function %s", fn)
}
