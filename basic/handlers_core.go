package basic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/parleyops/parley"
)

// maxWaitSeconds caps a fixed WAIT delay.
const maxWaitSeconds = 300

func registerCore(reg *Registry) {
	reg.Register(OpTalk, handleTalk)
	reg.Register(OpTalkBlock, handleTalkBlock)
	reg.Register(OpPrint, handleTalk)
	reg.Register(OpHear, handleHear)
	reg.Register(OpWait, handleWait)
	reg.Register(OpSystemPrompt, handleSystemPrompt)
	reg.Register(OpTransferHuman, handleTransferHuman)
}

func handleTalk(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
	ex.Emit(args[0].Text())
	return parley.Null, nil
}

var interpPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// handleTalkBlock emits a verbatim multi-line body with ${var}
// placeholders resolved against the scope at emit time.
func handleTalkBlock(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
	body := interpPlaceholder.ReplaceAllStringFunc(args[0].Text(), func(m string) string {
		name := interpPlaceholder.FindStringSubmatch(m)[1]
		return ex.Scope.Get(name).Text()
	})
	ex.Emit(body)
	return parley.Null, nil
}

// handleHear parks the instance until the next user input arrives and
// binds it to the named variable. Only live-turn instances can hear.
func handleHear(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
	if ex.Session == nil {
		return parley.Null, errors.New("HEAR outside a conversation")
	}
	select {
	case <-ctx.Done():
		return parley.Null, ctx.Err()
	case text, ok := <-ex.Session.Input():
		if !ok {
			return parley.Null, parley.ErrSessionEnded
		}
		ex.Session.RecordUser(text)
		ex.Scope.Set(args[0].Text(), parley.S(text))
		return parley.S(text), nil
	}
}

// handleWait parks on a timer, never a blocked worker. The delay is
// capped so a script cannot stall its instance indefinitely.
func handleWait(ctx context.Context, _ *Execution, args []parley.Value) (parley.Value, error) {
	secs, ok := args[0].Num()
	if !ok || secs < 0 {
		return parley.Null, fmt.Errorf("WAIT needs a non-negative number of seconds, got %q", args[0].Text())
	}
	if secs > maxWaitSeconds {
		secs = maxWaitSeconds
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return parley.Null, ctx.Err()
	case <-timer.C:
		return parley.Null, nil
	}
}

func handleSystemPrompt(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
	if ex.Session != nil {
		ex.Session.SetPersona(args[0].Text())
	}
	return parley.Null, nil
}

// handleTransferHuman marks the conversation as handed to a human
// operator and ends the script's part in it.
func handleTransferHuman(_ context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
	ex.Emit("You are being transferred to a human agent. Please hold on.")
	if ex.Session != nil {
		ex.Session.End()
	}
	return parley.Null, parley.ErrSessionEnded
}
