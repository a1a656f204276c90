package basic

import (
	"fmt"
	"strings"

	"github.com/parleyops/parley"
)

// paramTypes normalizes declared type words to JSON-schema types.
var paramTypes = map[string]string{
	"STRING":  "string",
	"TEXT":    "string",
	"NUMBER":  "number",
	"INT":     "integer",
	"INTEGER": "integer",
	"FLOAT":   "number",
	"BOOL":    "boolean",
	"BOOLEAN": "boolean",
	"ARRAY":   "array",
	"LIST":    "array",
	"MAP":     "object",
	"OBJECT":  "object",
	"DATE":    "string",
}

// parseParam handles one PARAM declaration:
//
//	PARAM name AS type [LIKE "example"] [DESCRIPTION "…"] [ENUM [a, b]] [OPTIONAL]
func (c *compiler) parseParam(toks []token, line int) error {
	if len(toks) < 4 || toks[1].kind != tokIdent ||
		toks[2].kind != tokIdent || toks[2].text != "AS" || toks[3].kind != tokIdent {
		return c.errf(line, "PARAM must be PARAM name AS type")
	}
	decl := ParamDecl{
		Name:     strings.ToLower(toks[1].text),
		Required: true,
	}
	jsType, ok := paramTypes[toks[3].text]
	if !ok {
		return c.errf(line, "unknown PARAM type %q", toks[3].text)
	}
	decl.Type = jsType

	p := newExprParser(c.script, toks[4:], line)
	for !p.done() {
		switch {
		case p.acceptIdent("LIKE"):
			t, ok := p.peek()
			if !ok || (t.kind != tokString && t.kind != tokNumber) {
				return c.errf(line, "LIKE takes a literal example")
			}
			p.i++
			decl.Example = t.text
		case p.acceptIdent("DESCRIPTION"):
			t, ok := p.peek()
			if !ok || t.kind != tokString {
				return c.errf(line, "DESCRIPTION takes a string literal")
			}
			p.i++
			decl.Description = t.text
		case p.acceptIdent("ENUM"):
			values, err := p.parseEnumList()
			if err != nil {
				return err
			}
			decl.Enum = values
		case p.acceptIdent("OPTIONAL"):
			decl.Required = false
		default:
			return c.errf(line, "unexpected token in PARAM declaration")
		}
	}

	for _, existing := range c.prog.params {
		if existing.Name == decl.Name {
			return c.errf(line, "duplicate PARAM %q", decl.Name)
		}
	}
	c.prog.params = append(c.prog.params, decl)
	return nil
}

func (p *exprParser) parseEnumList() ([]string, error) {
	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	var values []string
	for {
		t, ok := p.peek()
		if !ok || (t.kind != tokString && t.kind != tokNumber && t.kind != tokIdent) {
			return nil, p.errf("ENUM values must be literals")
		}
		p.i++
		values = append(values, t.text)
		if p.acceptPunct("]") {
			return values, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

// Schema renders the tool signature as a JSON-schema function
// declaration for the LLM function-calling surface.
func (t *ToolDefinition) Schema() map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			desc := p.Description
			if p.Example != "" {
				desc = fmt.Sprintf("%s (e.g. %s)", desc, p.Example)
			}
			prop["description"] = desc
		} else if p.Example != "" {
			prop["description"] = fmt.Sprintf("e.g. %s", p.Example)
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"input_schema": map[string]any{
			"type":       "object",
			"properties": props,
		},
	}
	if len(required) > 0 {
		schema["input_schema"].(map[string]any)["required"] = required
	}
	return schema
}

// ValidateArgs checks a call argument map against the declared
// signature. Missing required parameters are an error; the script
// never runs on partial data. Unknown arguments are dropped.
func (t *ToolDefinition) ValidateArgs(args map[string]parley.Value) (map[string]parley.Value, error) {
	bound := make(map[string]parley.Value, len(t.Params))
	for _, p := range t.Params {
		v, ok := args[p.Name]
		if !ok || v.IsNull() {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if len(p.Enum) > 0 && !enumAllows(p.Enum, v.Text()) {
			return nil, fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
		}
		bound[p.Name] = v
	}
	return bound, nil
}

func enumAllows(enum []string, value string) bool {
	for _, e := range enum {
		if strings.EqualFold(e, value) {
			return true
		}
	}
	return false
}
