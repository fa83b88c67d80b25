package terminal

import (
	"github.com/go-delve/pctl/pkg/proc"
	"github.com/go-delve/pctl/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Engine() *proc.Engine {
	return ctx.term.engine
}

func (ctx starlarkContext) Process() *proc.Process {
	return ctx.term.Process()
}

func (ctx starlarkContext) Thread() (*proc.Thread, error) {
	return ctx.term.currentThread()
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}

// starlark returns the starlark environment of the terminal, creating it
// on first use.
func (t *Term) starlark() *starbind.Env {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.starlarkEnv == nil {
		t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	}
	return t.starlarkEnv
}

// cancelScript stops the starlark script running, if there is one.
func (t *Term) cancelScript() {
	t.mu.Lock()
	env := t.starlarkEnv
	t.mu.Unlock()
	env.Cancel()
}
