package basic

import (
	"context"
	"time"

	"github.com/parleyops/parley"
)

// defaultRememberTTL applies when REMEMBER omits its TTL argument.
const defaultRememberTTL = 30 * time.Second

func registerMemory(reg *Registry, rt *Runtime) {
	reg.Register(OpSetBotMemory, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return parley.Null, rt.Memory().SetBotMemory(ex.BotID, args[0].Text(), args[1])
	})
	reg.Register(OpGetBotMemory, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return rt.Memory().GetBotMemory(ex.BotID, args[0].Text())
	})
	reg.Register(OpSetUserMemory, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return parley.Null, rt.Memory().SetUserMemory(ex.UserID, args[0].Text(), args[1])
	})
	reg.Register(OpGetUserMemory, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return rt.Memory().GetUserMemory(ex.UserID, args[0].Text())
	})
	reg.Register(OpClearUserMemory, func(_ context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
		return parley.Null, rt.Memory().ClearUserMemory(ex.UserID)
	})
	reg.Register(OpRemember, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		ttl := defaultRememberTTL
		if len(args) == 3 {
			if secs, ok := args[2].Num(); ok && secs > 0 {
				ttl = time.Duration(secs * float64(time.Second))
			}
		}
		return parley.Null, rt.Memory().Remember(ex.UserID, ex.BotID, args[0].Text(), args[1], ttl)
	})
	reg.Register(OpRecall, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return rt.Memory().Recall(ex.UserID, ex.BotID, args[0].Text())
	})
	reg.Register(OpForget, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		return parley.Null, rt.Memory().Forget(ex.UserID, ex.BotID, args[0].Text())
	})
}
