// Package starbind runs starlark scripts against a process-control engine.
package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/go-delve/pctl/pkg/proc"
)

const (
	commandBuiltinName        = "pctl_command"
	readFileBuiltinName       = "read_file"
	writeFileBuiltinName      = "write_file"
	processesBuiltinName      = "processes"
	threadsBuiltinName        = "threads"
	registersBuiltinName      = "registers"
	setRegisterBuiltinName    = "set_register"
	readMemoryBuiltinName     = "read_memory"
	writeMemoryBuiltinName    = "write_memory"
	breakpointsBuiltinName    = "breakpoints"
	helpBuiltinName           = "help"
	commandPrefix             = "command_"
	contextLocalName          = "pctl_context"
	maxScriptMemoryAccessSize = 1 << 20
)

func init() {
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Context is what scripts act on: the engine, the selected process and
// thread, and the command table of the terminal.
type Context interface {
	Engine() *proc.Engine
	Process() *proc.Process
	Thread() (*proc.Thread, error)
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out io.Writer
}

type builtinFn func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// New creates a new starlark environment.
func New(ctx Context, out io.Writer) *Env {
	env := &Env{
		env: starlark.StringDict{},
		doc: map[string]string{},
		ctx: ctx,
		out: out,
	}

	env.builtin(commandBuiltinName, "(Command)", "runs a terminal command, arguments are joined with spaces.", env.commandBuiltin)
	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", readFileBuiltin)
	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", writeFileBuiltin)
	env.builtin(processesBuiltinName, "()", "returns the processes of the engine.", env.processesBuiltin)
	env.builtin(threadsBuiltinName, "()", "returns the threads of the current process.", env.threadsBuiltin)
	env.builtin(registersBuiltinName, "()", "returns the registers of the current thread as a dict.", env.registersBuiltin)
	env.builtin(setRegisterBuiltinName, "(Name, Value)", "changes a register of the current thread.", env.setRegisterBuiltin)
	env.builtin(readMemoryBuiltinName, "(Addr, Size)", "reads memory through the current thread, returns bytes.", env.readMemoryBuiltin)
	env.builtin(writeMemoryBuiltinName, "(Addr, Data)", "writes bytes or a list of ints at Addr.", env.writeMemoryBuiltin)
	env.builtin(breakpointsBuiltinName, "()", "returns the breakpoints of the current process.", env.breakpointsBuiltin)
	env.builtin(helpBuiltinName, "(Object)", "prints help for Object.", env.helpBuiltin)
	return env
}

func (env *Env) builtin(name, args, descr string, fn builtinFn) {
	env.env[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		v, err := fn(thread, b, args, kwargs)
		return v, decorateError(thread, err)
	})
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

// Execute executes a script. Source can be nil, in which case path is
// read, a string, a []byte or an io.Reader. If the script defines a
// function named mainFnName it is called without arguments afterwards.
func (env *Env) Execute(path string, source interface{}, mainFnName string) (starlark.Value, error) {
	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}
	if err := env.exportGlobals(globals); err != nil {
		return starlark.None, err
	}
	mainval, ok := globals[mainFnName]
	if mainFnName == "" || !ok {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != 0 {
		return starlark.None, fmt.Errorf("%s must not take arguments", mainFnName)
	}
	return starlark.Call(thread, mainfn, nil, nil)
}

// Cancel stops the script currently running, if any.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	defer env.contextMu.Unlock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) },
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(contextLocalName, ctx)
	return thread
}

// exportGlobals keeps globals starting with a capital letter for later
// scripts and turns functions named command_xxx into the command xxx.
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			if err := env.createCommand(name[len(commandPrefix):], val); err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}
	if fnval.NumParams() > 1 {
		return fmt.Errorf("%s%s must take at most one argument", commandPrefix, name)
	}
	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}
	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		var argtuple starlark.Tuple
		if fnval.NumParams() == 1 {
			argtuple = starlark.Tuple{starlark.String(args)}
		}
		_, err := starlark.Call(env.newThread(), fnval, argtuple, nil)
		return err
	})
	return nil
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextLocalName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}

func (env *Env) commandBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	argstrs := make([]string, len(args))
	for i := range args {
		a, ok := args[i].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("argument %d of %s is not a string", i, commandBuiltinName)
		}
		argstrs[i] = string(a)
	}
	return starlark.None, env.ctx.CallCommand(strings.Join(argstrs, " "))
}

func readFileBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return starlark.String(buf), nil
}

func writeFileBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path string
		text starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "text", &text); err != nil {
		return nil, err
	}
	s, ok := starlark.AsString(text)
	if !ok {
		s = text.String()
	}
	return starlark.None, os.WriteFile(path, []byte(s), 0o640)
}

func (env *Env) process() (*proc.Process, error) {
	p := env.ctx.Process()
	if p == nil {
		return nil, fmt.Errorf("no process")
	}
	return p, p.Valid()
}

func (env *Env) processesBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	var r []starlark.Value
	for _, p := range env.ctx.Engine().Processes() {
		status, sig := p.ExitStatus()
		r = append(r, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"pid":         starlark.MakeInt(p.Pid()),
			"parent":      starlark.MakeInt(p.Parent()),
			"path":        starlark.String(p.Path()),
			"state":       starlark.String(p.State().String()),
			"exit_status": starlark.MakeInt(status),
			"exit_signal": starlark.MakeInt(sig),
		}))
	}
	return starlark.NewList(r), nil
}

func (env *Env) threadsBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	p, err := env.process()
	if err != nil {
		return nil, err
	}
	var r []starlark.Value
	for _, t := range p.Threads() {
		r = append(r, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":          starlark.MakeInt(t.ID()),
			"lwp":         starlark.MakeInt(t.LWP()),
			"state":       starlark.String(t.State().String()),
			"stop_signal": starlark.MakeInt(t.StopSignal()),
		}))
	}
	return starlark.NewList(r), nil
}

func (env *Env) registersBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	th, err := env.ctx.Thread()
	if err != nil {
		return nil, err
	}
	regs, err := env.ctx.Engine().GetAllRegisters(th)
	if err != nil {
		return nil, err
	}
	all := regs.Slice()
	d := starlark.NewDict(len(all))
	for _, r := range all {
		if err := d.SetKey(starlark.String(r.Name), starlark.MakeUint64(r.Value)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (env *Env) setRegisterBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name  string
		value starlark.Int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	v, ok := value.Uint64()
	if !ok {
		return nil, fmt.Errorf("register value %v out of range", value)
	}
	th, err := env.ctx.Thread()
	if err != nil {
		return nil, err
	}
	return starlark.None, env.ctx.Engine().SetRegister(th, name, v)
}

func (env *Env) readMemoryBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		addr starlark.Int
		size int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addr, "size", &size); err != nil {
		return nil, err
	}
	a, ok := addr.Uint64()
	if !ok {
		return nil, fmt.Errorf("address %v out of range", addr)
	}
	if size < 0 || size > maxScriptMemoryAccessSize {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	th, err := env.ctx.Thread()
	if err != nil {
		return nil, err
	}
	buf, err := env.ctx.Engine().ReadMemory(th, a, size)
	if err != nil {
		return nil, err
	}
	return starlark.Bytes(buf), nil
}

func (env *Env) writeMemoryBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		addr starlark.Int
		data starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addr, "data", &data); err != nil {
		return nil, err
	}
	a, ok := addr.Uint64()
	if !ok {
		return nil, fmt.Errorf("address %v out of range", addr)
	}
	buf, err := toBytes(data)
	if err != nil {
		return nil, err
	}
	th, err := env.ctx.Thread()
	if err != nil {
		return nil, err
	}
	return starlark.None, env.ctx.Engine().WriteMemory(th, a, buf)
}

// toBytes converts bytes or an iterable of ints in [0, 255].
func toBytes(v starlark.Value) ([]byte, error) {
	switch v := v.(type) {
	case starlark.Bytes:
		return []byte(v), nil
	case starlark.Iterable:
		var buf []byte
		it := v.Iterate()
		defer it.Done()
		var x starlark.Value
		for it.Next(&x) {
			n, err := starlark.AsInt32(x)
			if err != nil || n < 0 || n > 0xff {
				return nil, fmt.Errorf("%v is not a byte", x)
			}
			buf = append(buf, byte(n))
		}
		return buf, nil
	}
	return nil, fmt.Errorf("cannot write a %s to memory", v.Type())
}

func (env *Env) breakpointsBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	p, err := env.process()
	if err != nil {
		return nil, err
	}
	var r []starlark.Value
	for _, bp := range env.ctx.Engine().Breakpoints(p) {
		r = append(r, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"addr":      starlark.MakeUint64(bp.Addr),
			"name":      starlark.String(bp.Name),
			"hit_count": starlark.MakeUint64(bp.TotalHitCount),
		}))
	}
	return starlark.NewList(r), nil
}

func (env *Env) helpBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	switch len(args) {
	case 0:
		fmt.Fprintln(env.out, "Available builtins:")
		bins := make([]string, 0, len(env.env))
		for name, value := range env.env {
			if _, ok := value.(*starlark.Builtin); ok {
				bins = append(bins, name)
			}
		}
		sort.Strings(bins)
		for _, bin := range bins {
			fmt.Fprintf(env.out, "\t%s\n", bin)
		}
	case 1:
		switch x := args[0].(type) {
		case *starlark.Builtin:
			if doc := env.doc[x.Name()]; doc != "" {
				fmt.Fprintln(env.out, doc)
			} else {
				fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
			}
		case *starlark.Function:
			fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
			if doc := x.Doc(); doc != "" {
				fmt.Fprintln(env.out, doc)
			}
		default:
			fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
		}
	default:
		return nil, fmt.Errorf("wrong number of arguments %d", len(args))
	}
	return starlark.None, nil
}
