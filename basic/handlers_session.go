package basic

import (
	"context"

	"github.com/parleyops/parley"
)

// Session-state instructions are no-ops for instances without a live
// session: schedule and webhook runs have no UI surface.
func registerSession(reg *Registry) {
	reg.Register(OpUseKB, withSession(func(s *parley.Session, args []parley.Value) {
		s.UseKB(args[0].Text())
	}))
	reg.Register(OpClearKB, withSession(func(s *parley.Session, _ []parley.Value) {
		s.ClearKBs()
	}))
	reg.Register(OpUseTool, withSession(func(s *parley.Session, args []parley.Value) {
		s.UseTool(args[0].Text())
	}))
	reg.Register(OpClearTools, withSession(func(s *parley.Session, _ []parley.Value) {
		s.ClearTools()
	}))
	reg.Register(OpAddSuggestion, withSession(func(s *parley.Session, args []parley.Value) {
		s.AddSuggestion(args[0].Text(), args[1].Text())
	}))
	reg.Register(OpClearSuggestions, withSession(func(s *parley.Session, _ []parley.Value) {
		s.ClearSuggestions()
	}))
	reg.Register(OpAddBot, withSession(func(s *parley.Session, args []parley.Value) {
		s.BindAgent(args[0].Text())
	}))
	reg.Register(OpRemoveBot, withSession(func(s *parley.Session, args []parley.Value) {
		s.UnbindAgent(args[0].Text())
	}))
	reg.Register(OpSetContext, withSession(func(s *parley.Session, args []parley.Value) {
		s.SetContext(args[0].Text())
	}))
}

func withSession(fn func(s *parley.Session, args []parley.Value)) Handler {
	return func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		if ex.Session != nil {
			fn(ex.Session, args)
		}
		return parley.Null, nil
	}
}
