package basic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parleyops/parley"
)

func registerA2A(reg *Registry, rt *Runtime) {
	reg.Register(OpSendToBot, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		env, err := rt.Exchange().Send(ctx, ex.sessionID(), ex.BotID, args[0].Text(), parley.TypeRequest, args[1], ex.Hop)
		if err != nil {
			return parley.Null, err
		}
		// The correlation ID feeds a later WAIT FOR BOT.
		return parley.S(env.CorrelationID), nil
	})

	reg.Register(OpDelegate, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		timeout := time.Duration(0)
		if len(args) == 3 {
			if secs, ok := args[2].Num(); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
		}
		result, _, err := rt.Exchange().Delegate(ctx, ex.sessionID(), ex.BotID, args[1].Text(), args[0], ex.Hop, timeout)
		if err != nil {
			return parley.Null, err
		}
		return result, nil
	})

	reg.Register(OpHandoff, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		if ex.Session == nil {
			return parley.Null, errors.New("DELEGATE CONVERSATION TO outside a conversation")
		}
		ex.Session.Handoff(args[0].Text())
		return parley.Null, parley.ErrHandoff
	})

	reg.Register(OpWaitForBot, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		timeout := time.Duration(0)
		if len(args) == 2 {
			if secs, ok := args[1].Num(); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
		}
		return rt.Exchange().WaitFor(ctx, args[0].Text(), timeout)
	})

	reg.Register(OpBroadcast, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		var targets []string
		if ex.Session != nil {
			targets = ex.Session.BoundAgents()
		}
		ids := rt.Exchange().Broadcast(ctx, ex.sessionID(), ex.BotID, targets, args[0])
		return parley.N(float64(len(ids))), nil
	})

	reg.Register(OpCollaborate, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		targets := make([]string, 0)
		for _, item := range args[0].Items() {
			targets = append(targets, item.Text())
		}
		ids := rt.Exchange().Collaborate(ctx, ex.sessionID(), ex.BotID, targets, args[1].Text())
		return parley.N(float64(len(ids))), nil
	})

	reg.Register(OpInbox, func(_ context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
		envs := rt.Exchange().Inbox(ex.BotID)
		items := make([]parley.Value, len(envs))
		for i, env := range envs {
			items[i] = parley.M(map[string]parley.Value{
				"id":      parley.S(env.ID),
				"from":    parley.S(env.From),
				"type":    parley.S(string(env.Type)),
				"payload": env.Payload,
			})
		}
		return parley.Arr(items...), nil
	})

	reg.Register(OpReflect, func(ctx context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
		if ex.Session == nil || rt.Reflector() == nil {
			return parley.Null, nil
		}
		// Reflection never surfaces a failure into the conversation.
		in, err := rt.Reflector().Reflect(ctx, ex.Session)
		if err != nil {
			slog.Warn("reflection failed", "session", ex.Session.ID, "error", err)
			return parley.Null, nil
		}
		return insightValue(in), nil
	})

	reg.Register(OpInsights, func(_ context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
		if ex.Session == nil || rt.Reflector() == nil {
			return parley.Null, nil
		}
		in, ok := rt.Reflector().Latest(ex.BotID, ex.Session.ID)
		if !ok {
			return parley.Null, nil
		}
		return insightValue(in), nil
	})

	reg.Register(OpLLM, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		gen := rt.LLM()
		if gen == nil {
			return parley.Null, errors.New("no language model configured")
		}
		system := ""
		if ex.Session != nil {
			system = ex.Session.Persona()
		}
		reply, err := gen.Generate(ctx, system, args[0].Text())
		if err != nil {
			return parley.Null, err
		}
		return parley.S(reply), nil
	})

	reg.Register(OpExecute, func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		runner := rt.Sandbox()
		if runner == nil {
			return parley.Null, errors.New("no sandbox configured")
		}
		out, err := runner.Run(ctx, args[0].Text(), args[1].Text())
		if err != nil {
			return parley.Null, err
		}
		return parley.S(out), nil
	})
}

func (ex *Execution) sessionID() string {
	if ex.Session == nil {
		return ""
	}
	return ex.Session.ID
}

func insightValue(in parley.Insight) parley.Value {
	issues := make([]parley.Value, len(in.Issues))
	for i, s := range in.Issues {
		issues[i] = parley.S(s)
	}
	suggestions := make([]parley.Value, len(in.Suggestions))
	for i, s := range in.Suggestions {
		suggestions[i] = parley.S(s)
	}
	return parley.M(map[string]parley.Value{
		"score":       parley.N(in.Score),
		"issues":      parley.Arr(issues...),
		"suggestions": parley.Arr(suggestions...),
		"computed_at": parley.S(in.ComputedAt.Format(time.RFC3339)),
	})
}
