package basic

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustCompile(t *testing.T, source string) *Program {
	t.Helper()
	prog, err := Compile("test", source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return prog
}

func TestCompileIdempotent(t *testing.T) {
	source := `
TALK "Welcome"
HEAR answer
IF answer = "yes" THEN
  SET BOT MEMORY "agreed", TRUE
ELSE
  TALK "Maybe next time"
END IF
`
	a := mustCompile(t, source)
	b := mustCompile(t, source)
	if !reflect.DeepEqual(a, b) {
		t.Error("two compilations of identical source differ")
	}
	if a.Hash == "" || a.Hash != b.Hash {
		t.Errorf("hash mismatch: %q vs %q", a.Hash, b.Hash)
	}
}

func TestCompileCaseInsensitive(t *testing.T) {
	a := mustCompile(t, `Talk "hi"`+"\n"+`UserName = "Ada"`+"\n"+`talk USERNAME`)
	b := mustCompile(t, `TALK "hi"`+"\n"+`username = "Ada"`+"\n"+`TALK username`)
	if !reflect.DeepEqual(a.Body, b.Body) {
		t.Error("identifier casing changed the compiled tree")
	}
}

func TestCompileMultiwordPhrases(t *testing.T) {
	prog := mustCompile(t, `
SET BOT MEMORY "k", "v"
greeting = GET BOT MEMORY "k"
SEND TO BOT "helper" MESSAGE "task"
reply = DELEGATE "summarize" TO BOT "writer" TIMEOUT 10
DELEGATE CONVERSATION TO "billing"
`)
	ops := []Opcode{}
	for _, s := range prog.Body {
		switch n := s.(type) {
		case *Command:
			ops = append(ops, n.Op)
		case *Assign:
			if kw, ok := n.Expr.(*KeywordExpr); ok {
				ops = append(ops, kw.Op)
			}
		}
	}
	want := []Opcode{OpSetBotMemory, OpGetBotMemory, OpSendToBot, OpDelegate, OpHandoff}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("ops = %v, want %v", ops, want)
	}
}

func TestCompileAmbiguousPhrase(t *testing.T) {
	tests := []string{
		`SET BOT "k", 1`,          // SET BOT … must continue with MEMORY
		`GET REFLECTION "x"`,      // GET REFLECTION … must continue with INSIGHTS
		`x = GET BOT "k"`,         // same in value position
	}
	for _, src := range tests {
		if _, err := Compile("test", src); err == nil {
			t.Errorf("Compile(%q) should fail on ambiguous phrase", src)
		} else if !strings.Contains(err.Error(), "ambiguous") {
			t.Errorf("Compile(%q) error = %v, want ambiguous phrase", src, err)
		}
	}
}

func TestCompileUnknownInstruction(t *testing.T) {
	_, err := Compile("test", `FROBNICATE "x"`)
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want CompileError", err)
	}
	if ce.Line != 1 {
		t.Errorf("line = %d, want 1", ce.Line)
	}
}

func TestCompileTalkBlockVerbatim(t *testing.T) {
	prog := mustCompile(t, `BEGIN TALK
Hello ${name},
  your order SET BOT MEMORY is not parsed here.
END TALK`)
	if len(prog.Body) != 1 {
		t.Fatalf("body = %d statements", len(prog.Body))
	}
	cmd, ok := prog.Body[0].(*Command)
	if !ok || cmd.Op != OpTalkBlock {
		t.Fatalf("statement = %#v", prog.Body[0])
	}
	raw := cmd.Args[0].(*Lit).V.Text()
	want := "Hello ${name},\n  your order SET BOT MEMORY is not parsed here."
	if raw != want {
		t.Errorf("captured body = %q, want %q", raw, want)
	}
}

func TestCompileComments(t *testing.T) {
	prog := mustCompile(t, `
' full line comment
REM another one
TALK "it's fine // not a comment" // trailing
`)
	if len(prog.Body) != 1 {
		t.Fatalf("body = %d statements", len(prog.Body))
	}
	lit := prog.Body[0].(*Command).Args[0].(*Lit).V.Text()
	if lit != "it's fine // not a comment" {
		t.Errorf("literal = %q", lit)
	}
}

func TestCompileStringEscape(t *testing.T) {
	prog := mustCompile(t, `TALK "say ""hello"" twice"`)
	lit := prog.Body[0].(*Command).Args[0].(*Lit).V.Text()
	if lit != `say "hello" twice` {
		t.Errorf("literal = %q", lit)
	}
}

func TestCompileDirectives(t *testing.T) {
	prog := mustCompile(t, `
WEBHOOK "orders"
SET SCHEDULE "*/5 * * * *"
TALK "ready"
`)
	if !reflect.DeepEqual(prog.Webhooks, []string{"orders"}) {
		t.Errorf("webhooks = %v", prog.Webhooks)
	}
	if !reflect.DeepEqual(prog.Schedules, []string{"*/5 * * * *"}) {
		t.Errorf("schedules = %v", prog.Schedules)
	}
	// Directives never become runtime statements.
	if len(prog.Body) != 1 {
		t.Errorf("body = %d statements, want 1", len(prog.Body))
	}
}

func TestCompileParams(t *testing.T) {
	prog := mustCompile(t, `
DESCRIPTION "Look up an order"
PARAM order_id AS STRING LIKE "ORD-123" DESCRIPTION "The order number"
PARAM verbose AS BOOL OPTIONAL
PARAM channel AS STRING ENUM ["email", "sms"]
RETURN order_id
`)
	if prog.Tool == nil {
		t.Fatal("Tool is nil")
	}
	if prog.Tool.Description != "Look up an order" {
		t.Errorf("description = %q", prog.Tool.Description)
	}
	if len(prog.Tool.Params) != 3 {
		t.Fatalf("params = %d", len(prog.Tool.Params))
	}
	p0 := prog.Tool.Params[0]
	if p0.Name != "order_id" || p0.Type != "string" || !p0.Required || p0.Example != "ORD-123" {
		t.Errorf("param 0 = %+v", p0)
	}
	if prog.Tool.Params[1].Required {
		t.Error("OPTIONAL param marked required")
	}
	if got := prog.Tool.Params[2].Enum; !reflect.DeepEqual(got, []string{"email", "sms"}) {
		t.Errorf("enum = %v", got)
	}

	schema := prog.Tool.Schema()
	input := schema["input_schema"].(map[string]any)
	if !reflect.DeepEqual(input["required"], []string{"order_id", "channel"}) {
		t.Errorf("required = %v", input["required"])
	}
}

func TestCompileControlFlow(t *testing.T) {
	prog := mustCompile(t, `
FOR EACH item IN ["a", "b"]
  IF item = "b" THEN EXIT FOR
  TALK item
NEXT
WHILE count < 3
  count = count + 1
WEND
`)
	if len(prog.Body) != 2 {
		t.Fatalf("body = %d statements", len(prog.Body))
	}
	loop, ok := prog.Body[0].(*ForEach)
	if !ok || loop.Var != "item" || len(loop.Body) != 2 {
		t.Errorf("for each = %#v", prog.Body[0])
	}
	if _, ok := prog.Body[1].(*While); !ok {
		t.Errorf("while = %#v", prog.Body[1])
	}
}

func TestCompileUnclosedBlock(t *testing.T) {
	for _, src := range []string{
		"IF x THEN\nTALK \"a\"",
		"FOR EACH i IN list\nTALK i",
		"BEGIN TALK\nhello",
	} {
		if _, err := Compile("test", src); err == nil {
			t.Errorf("Compile(%q) should fail on unclosed block", src)
		}
	}
}
