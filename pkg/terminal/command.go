package terminal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
)

type cmdfunc func(t *Term, ctx callContext, args string) error

type callContext struct {
	// Ctx bounds the blocking engine operations of a command.
	Ctx context.Context
}

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Commands represents the commands for the pctl terminal.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until the next stop event.

	continue [signal]
	continue -thread <id> [signal]

The optional signal is delivered to the thread that reported the last stop.
With -thread only the given thread is resumed.`},
		{aliases: []string{"stop", "halt"}, group: runCmds, cmdFn: stop, helpMsg: `Interrupts the running process.

	stop
	stop -thread <id>

With -thread only the given thread is stopped.`},
		{aliases: []string{"step-instruction", "si", "step"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a single cpu instruction of the current thread.

	step-instruction`},
		{aliases: []string{"alloc"}, group: runCmds, cmdFn: alloc, helpMsg: `Allocates executable memory in the current process.

	alloc <size> [min address]

The region is placed at or above the minimum address, if one is given.`},
		{aliases: []string{"free"}, group: runCmds, cmdFn: free, helpMsg: `Releases memory allocated with alloc.

	free <address> <size>`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Stops controlling the current process and lets it run.

	detach`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Terminates the current process.

	kill`},

		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address> [name]
	break -entry <address> <name>

With -entry the breakpoint marks the entry of the named function and its hits
are reported as function-entry events.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Print out info for active breakpoints.

	breakpoints`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoint.

	clear <address>`},

		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"set-register", "setreg"}, group: dataCmds, cmdFn: setReg, helpMsg: `Changes the value of a CPU register.

	set-register <register> <value>`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

Examine memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of bytes (default 1) and must be less than or equal to 1000.
Size represents the size of each unit (default 1 byte) and must be between 1 and 8.

For example:

    x -fmt hex -count 20 -size 1 0xc00008af38`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMemoryCmd, helpMsg: `Writes raw bytes to memory.

	write <address> <hex bytes>

For example:

	write 0x401000 90 90 cc`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	[thread <n>] disassemble [-a <start> <end>] [-l <flavour>] [<address> [count]]

If no argument is specified the instructions around the current PC are printed.

	-a <start> <end>	disassembles the specified address range
	-l <flavour>	selects the syntax, one of intel (default), gnu or go`},
		{aliases: []string{"symbol", "sym"}, group: dataCmds, cmdFn: symbol, helpMsg: `Prints the symbol containing an address.

	symbol <address>`},
		{aliases: []string{"libraries", "libs"}, group: dataCmds, cmdFn: libraries, helpMsg: `List loaded dynamic libraries.

	libraries [-r] [prefix]

With -r the list is refreshed from the process first.`},

		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every traced thread.

	threads`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"processes", "procs"}, group: threadCmds, cmdFn: processes, helpMsg: `Print out info for every controlled process.

	processes`},
		{aliases: []string{"process", "proc"}, group: threadCmds, cmdFn: process, helpMsg: `Switch to the specified process.

	process <pid>`},

		{aliases: []string{"events"}, cmdFn: events, helpMsg: `Print the most recently dispatched events.

	events [count]`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list
	config -save
	config <option> <value>
	config alias <command> [alias...]

-list prints the current configuration, -save writes it to the config file.
Options use the names of the config file, changes to the backend and launch
options take effect for the next session. Without aliases "config alias"
removes the user aliases of a command.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of pctl commands.

	source <path>

Lines starting with # are ignored. Files with the .star extension are
starlark scripts: they can call terminal commands with pctl_command and use
the builtins listed by help(). Functions named command_<name> become new
commands, main is called once the script was loaded.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit`},
	}

	sort.Slice(c.cmds, func(i, j int) bool { return c.cmds[i].aliases[0] < c.cmds[j].aliases[0] })
	return c
}

// lookup returns the command that has name among its aliases.
func (c *Commands) lookup(name string) *command {
	for i := range c.cmds {
		if slices.Contains(c.cmds[i].aliases, name) {
			return &c.cmds[i]
		}
	}
	return nil
}

// Register adds a command, or replaces the function and help of the
// command that already answers to name.
func (c *Commands) Register(name string, cf cmdfunc, helpMsg string) {
	if cmd := c.lookup(name); cmd != nil {
		cmd.cmdFn = cf
		cmd.helpMsg = helpMsg
		return
	}
	c.cmds = append(c.cmds, command{aliases: []string{name}, cmdFn: cf, helpMsg: helpMsg})
}

// Find returns the function of the command named cmdstr. Unknown commands
// return a function failing with errNoCmd, the empty string one doing
// nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if cmd := c.lookup(cmdstr); cmd != nil {
		return cmd.cmdFn
	}
	return noCmdAvailable
}

// CallWithContext executes cmdstr, the first word naming the command and
// the rest passed to it as arguments.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	name, args, _ := strings.Cut(strings.TrimSpace(cmdstr), " ")
	args = strings.TrimSpace(args)
	if logflags.Terminal() && t != nil {
		t.log.Debugf("command %q args %q", name, args)
	}
	return c.Find(name)(t, ctx, args)
}

// Call executes cmdstr with a background context.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Ctx: context.Background()})
}

// Merge adds the user defined aliases, keyed by the first builtin alias of
// a command. Aliases from a previous Merge are replaced.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		cmd := &c.cmds[i]
		if cmd.builtinAliases == nil {
			cmd.builtinAliases = slices.Clone(cmd.aliases)
		}
		cmd.aliases = append(slices.Clone(cmd.builtinAliases), allAliases[cmd.builtinAliases[0]]...)
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		cmd := c.lookup(args)
		if cmd == nil {
			return errNoCmd
		}
		fmt.Fprintln(t.stdout, cmd.helpMsg)
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := tabwriter.NewWriter(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			summary, _, _ := strings.Cut(cmd.helpMsg, "\n")
			name := cmd.aliases[0]
			if len(cmd.aliases) > 1 {
				name += " (alias: " + strings.Join(cmd.aliases[1:], " | ") + ")"
			}
			fmt.Fprintf(w, "    %s \t %s\n", name, summary)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintln(t.stdout, "\nType help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, backticks are not
// supported.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse address %q: %v", s, err)
	}
	return addr, nil
}

func (t *Term) currentProcess() (*proc.Process, error) {
	p := t.Process()
	if p == nil {
		return nil, errors.New("no process")
	}
	return p, p.Valid()
}

// threadOption strips a leading "-thread <id>" from args and returns the
// thread of p it names, nil if there is none.
func threadOption(p *proc.Process, args string) (*proc.Thread, string, error) {
	rest, ok := strings.CutPrefix(args, "-thread")
	if !ok {
		return nil, args, nil
	}
	v := strings.Fields(rest)
	if len(v) == 0 {
		return nil, "", errors.New("-thread requires a thread id")
	}
	id, err := strconv.Atoi(v[0])
	if err != nil {
		return nil, "", fmt.Errorf("invalid thread id %q", v[0])
	}
	th := p.Thread(id)
	if th == nil {
		return nil, "", fmt.Errorf("no thread %d in process %d", id, p.Pid())
	}
	return th, strings.Join(v[1:], " "), nil
}

func cont(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	th, args, err := threadOption(p, args)
	if err != nil {
		return err
	}
	sig := 0
	if args != "" {
		sig, err = strconv.Atoi(args)
		if err != nil {
			return fmt.Errorf("invalid signal %q", args)
		}
	}
	if th != nil {
		if err := t.engine.ContinueThread(ctx.Ctx, th, sig); err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Thread %d resumed\n", th.ID())
		return nil
	}
	if err := t.engine.Continue(ctx.Ctx, p, sig); err != nil {
		return err
	}
	return t.waitStop(ctx, p)
}

func stop(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	th, _, err := threadOption(p, args)
	if err != nil {
		return err
	}
	if th != nil {
		if err := t.engine.StopThread(ctx.Ctx, th); err != nil {
			return err
		}
		for !th.Stopped() {
			if th.Valid() != nil {
				return th.Valid()
			}
			if _, err := t.engine.HandleEvents(ctx.Ctx, true); err != nil {
				return err
			}
		}
		t.selectThread(th)
		fmt.Fprintf(t.stdout, "Thread %d stopped\n", th.ID())
		return nil
	}
	if err := t.engine.Stop(ctx.Ctx, p); err != nil {
		return err
	}
	return t.waitStop(ctx, p)
}

func stepInstruction(t *Term, ctx callContext, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	if err := t.engine.StepInstruction(ctx.Ctx, th); err != nil {
		return err
	}
	if err := t.waitStop(ctx, th.Process()); err != nil {
		return err
	}
	return printPC(t, th)
}

// waitStop waits for p to stop and prints the event that stopped it.
func (t *Term) waitStop(ctx callContext, p *proc.Process) error {
	err := t.engine.WaitStop(ctx.Ctx, p)
	var pe proc.ErrProcessExited
	if errors.As(err, &pe) {
		if _, sig := p.ExitStatus(); sig != 0 {
			fmt.Fprintf(t.stdout, "Process %d was killed by signal %d\n", pe.Pid, sig)
		} else {
			fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", pe.Pid, pe.Status)
		}
		t.selectProcess(nextProcess(t.engine))
		return nil
	}
	if err != nil {
		return err
	}
	ev := lastStop(t.engine.RecentEvents(), p)
	th := p.StoppedThread()
	if ev != nil && ev.Thread != nil {
		th = ev.Thread
	}
	t.selectThread(th)
	if ev != nil {
		t.Println("> ", describeEvent(t, ev))
	}
	return nil
}

func lastStop(evs []*proc.Event, p *proc.Process) *proc.Event {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Proc == p && evs[i].Type.Stopping() {
			return evs[i]
		}
	}
	return nil
}

func describeEvent(t *Term, ev *proc.Event) string {
	var buf strings.Builder
	buf.WriteString(ev.Type.String())
	if ev.Thread != nil {
		fmt.Fprintf(&buf, " thread %d", ev.Thread.ID())
	}
	switch ev.Type {
	case proc.EventSignal:
		fmt.Fprintf(&buf, " signal %d", ev.Signal)
	case proc.EventBreakpoint, proc.EventFunctionEntry:
		fmt.Fprintf(&buf, " at %#x", ev.Addr)
		if si, err := t.engine.Symbolize(ev.Proc, ev.Addr); err == nil {
			fmt.Fprintf(&buf, " %s", si)
		}
	}
	return buf.String()
}

func printPC(t *Term, th *proc.Thread) error {
	regs, err := t.engine.GetAllRegisters(th)
	if err != nil {
		return err
	}
	insts, err := t.engine.Disassemble(th, regs.PC(), 1)
	if err != nil || len(insts) == 0 {
		fmt.Fprintf(t.stdout, "> thread %d pc=%#x\n", th.ID(), regs.PC())
		return nil
	}
	disasmPrint(insts, proc.IntelFlavour, t.engine.SymbolLookup(th.Process()), t.stdout)
	return nil
}

func alloc(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: alloc <size> [min address]")
	}
	size, err := strconv.ParseUint(v[0], 0, 31)
	if err != nil || size == 0 {
		return fmt.Errorf("invalid size %q", v[0])
	}
	var min uint64
	if len(v) == 2 {
		if min, err = parseAddress(v[1]); err != nil {
			return err
		}
	}
	addr, err := t.engine.AllocateExecutableMemory(ctx.Ctx, p, min, int(size))
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Allocated %d bytes at %#x\n", size, addr)
	return nil
}

func free(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	v := strings.Fields(args)
	if len(v) != 2 {
		return errors.New("wrong number of arguments: free <address> <size>")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(v[1], 0, 31)
	if err != nil || size == 0 {
		return fmt.Errorf("invalid size %q", v[1])
	}
	if err := t.engine.FreeExecutableMemory(ctx.Ctx, p, addr, int(size)); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Freed %d bytes at %#x\n", size, addr)
	return nil
}

func detach(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	if err := t.engine.Detach(ctx.Ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d\n", p.Pid())
	t.selectProcess(nextProcess(t.engine))
	return nil
}

func kill(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	if _, err := t.engine.Terminate(ctx.Ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d killed\n", p.Pid())
	t.selectProcess(nextProcess(t.engine))
	return nil
}

// nextProcess returns a live process to select after the current one ended.
func nextProcess(e *proc.Engine) *proc.Process {
	for _, p := range e.Processes() {
		if p.Valid() == nil {
			return p
		}
	}
	return nil
}

func breakpoint(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	entry := false
	if len(v) > 0 && v[0] == "-entry" {
		entry = true
		v = v[1:]
	}
	if len(v) < 1 || len(v) > 2 || (entry && len(v) != 2) {
		return errors.New("wrong number of arguments: break [-entry] <address> [name]")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	var bp *proc.Breakpoint
	if entry {
		bp, err = t.engine.InsertFunctionEntryBreakpoint(p, addr, v[1])
	} else {
		bp, err = t.engine.InsertBreakpoint(p, addr)
		if err == nil && len(v) == 2 {
			bp.Name = v[1]
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set at %#x\n", formatBreakpointName(bp, true), bp.Addr)
	return nil
}

func formatBreakpointName(bp *proc.Breakpoint, upcase bool) string {
	thing := "breakpoint"
	if bp.Kind == proc.FunctionEntryBreakpoint {
		thing = "entry breakpoint"
	}
	if upcase {
		thing = strings.ToUpper(thing[:1]) + thing[1:]
	}
	if bp.Name != "" {
		return fmt.Sprintf("%s %s", thing, bp.Name)
	}
	return thing
}

func breakpoints(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	bps := t.engine.Breakpoints(p)
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints set")
		return nil
	}
	lookup := t.engine.SymbolLookup(p)
	for _, bp := range bps {
		fmt.Fprintf(t.stdout, "%s at %#x", formatBreakpointName(bp, true), bp.Addr)
		if name, base := lookup(bp.Addr); name != "" {
			fmt.Fprintf(t.stdout, " (%s+%#x)", name, bp.Addr-base)
		}
		fmt.Fprintf(t.stdout, " (%d)\n", bp.TotalHitCount)
	}
	return nil
}

func clear(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	if args == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	if err := t.engine.RemoveBreakpoint(p, addr); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
	return nil
}

func regs(t *Term, ctx callContext, args string) error {
	t.stdout.PageMaybe()
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	pool, err := t.engine.GetAllRegisters(th)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 0, 2, ' ', 0)
	for _, r := range pool.Slice() {
		fmt.Fprintf(w, "%s\t%#016x\n", r.Name, r.Value)
	}
	return w.Flush()
}

func setReg(t *Term, ctx callContext, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: set-register <register> <value>")
	}
	value, err := strconv.ParseUint(v[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", v[1])
	}
	return t.engine.SetRegister(th, v[0], value)
}

var examineFormats = map[string]byte{
	"bin": 'b', "binary": 'b',
	"oct": 'o', "octal": 'o',
	"dec": 'd', "decimal": 'd',
	"hex": 'x', "hexadecimal": 'x',
}

// maxExamineBytes bounds the memory read by a single examinemem.
const maxExamineBytes = 1000

func examineMemoryCmd(t *Term, ctx callContext, args string) error {
	format, count, size := byte('x'), 1, 1
	var address uint64

	v := strings.Fields(args)
	optArg := func(i int) (string, error) {
		if i+1 >= len(v) {
			return "", fmt.Errorf("expected argument after %s", v[i])
		}
		return v[i+1], nil
	}
	for i := 0; i < len(v); i++ {
		if !strings.HasPrefix(v[i], "-") {
			if i != len(v)-1 {
				return fmt.Errorf("unexpected argument %q before the address", v[i])
			}
			var err error
			if address, err = parseAddress(v[i]); err != nil {
				return err
			}
			continue
		}
		arg, err := optArg(i)
		if err != nil {
			return err
		}
		i++
		switch v[i-1] {
		case "-fmt":
			f, ok := examineFormats[arg]
			if !ok {
				return fmt.Errorf("%q is not a valid format", arg)
			}
			format = f
		case "-count", "-len":
			if count, err = strconv.Atoi(arg); err != nil || count <= 0 {
				return errors.New("count/len must be a positive integer")
			}
		case "-size":
			if size, err = strconv.Atoi(arg); err != nil || size <= 0 || size > 8 {
				return errors.New("size must be a positive integer (<=8)")
			}
		default:
			return fmt.Errorf("unknown option %q", v[i-1])
		}
	}

	if count*size > maxExamineBytes {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to %d bytes", maxExamineBytes)
	}
	if address == 0 {
		return errors.New("no address specified")
	}

	th, err := t.currentThread()
	if err != nil {
		return err
	}
	memArea, err := t.engine.ReadMemory(th, address, count*size)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, prettyExamineMemory(address, memArea, th.Process().Arch().ByteOrder(), format, size))
	return nil
}

func prettyExamineMemory(address uint64, memArea []byte, order binary.ByteOrder, format byte, size int) string {
	var (
		cols      int
		colFormat string
		colBytes  = size

		addrLen int
		addrFmt string
	)

	switch format {
	case 'b':
		cols = 4 // Avoid emitting rows that are too long when using binary format
		colFormat = fmt.Sprintf("%%0%db", colBytes*8)
	case 'o':
		cols = 8
		colFormat = fmt.Sprintf("0%%0%do", colBytes*3) // Always keep one leading zero for octal.
	case 'd':
		cols = 8
		colFormat = fmt.Sprintf("%%0%dd", colBytes*3)
	case 'x':
		cols = 8
		colFormat = fmt.Sprintf("0x%%0%dx", colBytes*2) // Always keep one leading '0x' for hex.
	default:
		return fmt.Sprintf("not supported format %q\n", string(format))
	}
	colFormat += "\t"

	l := len(memArea)
	rows := l / (cols * colBytes)
	if l%(cols*colBytes) != 0 {
		rows++
	}

	if l != 0 {
		addrLen = len(fmt.Sprintf("%x", address+uint64(l)))
	}
	addrFmt = "0x%0" + strconv.Itoa(addrLen) + "x:\t"

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 3, ' ', 0)

	for i := 0; i < rows; i++ {
		fmt.Fprintf(w, addrFmt, address)

		for j := 0; j < cols; j++ {
			offset := i*(cols*colBytes) + j*colBytes
			if offset+colBytes <= len(memArea) {
				fmt.Fprintf(w, colFormat, bytesToUint64(memArea[offset:offset+colBytes], order))
			}
		}
		fmt.Fprintln(w, "")
		address += uint64(cols * colBytes)
	}
	w.Flush()
	return b.String()
}

func bytesToUint64(buf []byte, order binary.ByteOrder) uint64 {
	var tmp [8]byte
	if order == binary.BigEndian {
		copy(tmp[8-len(buf):], buf)
		return binary.BigEndian.Uint64(tmp[:])
	}
	copy(tmp[:], buf)
	return binary.LittleEndian.Uint64(tmp[:])
}

func writeMemoryCmd(t *Term, ctx callContext, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errors.New("not enough arguments: write <address> <hex bytes>")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(v[1:], ""))
	if err != nil {
		return fmt.Errorf("invalid data: %v", err)
	}
	if err := t.engine.WriteMemory(th, addr, data); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

const defaultDisassembleCount = 10

func disassCommand(t *Term, ctx callContext, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	flavour := proc.IntelFlavour
	var (
		start, end uint64
		count      = defaultDisassembleCount
		haveStart  bool
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-l":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -l")
			}
			switch v[i] {
			case "intel":
				flavour = proc.IntelFlavour
			case "gnu":
				flavour = proc.GNUFlavour
			case "go":
				flavour = proc.GoFlavour
			default:
				return fmt.Errorf("unknown flavour %q", v[i])
			}
		case "-a":
			if i+2 >= len(v) {
				return errors.New("wrong number of arguments: disassemble -a <start> <end>")
			}
			if start, err = parseAddress(v[i+1]); err != nil {
				return err
			}
			if end, err = parseAddress(v[i+2]); err != nil {
				return err
			}
			if end <= start {
				return errors.New("end address must be greater than start address")
			}
			haveStart = true
			i += 2
		default:
			if haveStart && end == 0 {
				if count, err = strconv.Atoi(v[i]); err != nil || count <= 0 {
					return fmt.Errorf("invalid count %q", v[i])
				}
				continue
			}
			if haveStart {
				return fmt.Errorf("unexpected argument %q", v[i])
			}
			if start, err = parseAddress(v[i]); err != nil {
				return err
			}
			haveStart = true
		}
	}

	if !haveStart {
		regs, err := t.engine.GetAllRegisters(th)
		if err != nil {
			return err
		}
		start = regs.PC()
	}
	if end != 0 {
		// every instruction is at least one byte long
		count = int(end - start)
	}

	insts, err := t.engine.Disassemble(th, start, count)
	if err != nil && len(insts) == 0 {
		return err
	}
	if end != 0 {
		for i := range insts {
			if insts[i].Addr >= end {
				insts = insts[:i]
				break
			}
		}
	}
	t.stdout.PageMaybe()
	disasmPrint(insts, flavour, t.engine.SymbolLookup(th.Process()), t.stdout)
	return nil
}

func symbol(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	si, err := t.engine.Symbolize(p, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x %s\n", addr, si)
	return nil
}

func libraries(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) > 0 && v[0] == "-r" {
		if _, _, err := t.engine.RefreshLibraries(p); err != nil {
			return err
		}
		v = v[1:]
	}
	libs := p.Libraries().List()
	if len(v) > 0 {
		libs = p.Libraries().PrefixSearch(v[0])
	}
	d := digits(len(libs))
	for i := range libs {
		fmt.Fprintf(t.stdout, "%"+strconv.Itoa(d)+"d. %#x-%#x %s\n", i, libs[i].Base, libs[i].End, libs[i].Name)
	}
	return nil
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Floor(math.Log10(float64(n)))) + 1
}

func threads(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	cur, _ := t.currentThread()
	for _, th := range p.Threads() {
		prefix := "  "
		if th == cur {
			prefix = "* "
		}
		line := th.String()
		if th.Stopped() {
			if pc, err := t.engine.GetRegister(th, p.Arch().PCRegister()); err == nil {
				line += fmt.Sprintf(" at %#x", pc)
			}
			if sig := th.StopSignal(); sig != 0 {
				line += fmt.Sprintf(" signal %d", sig)
			}
		}
		if th == cur {
			t.Println(prefix, line)
		} else {
			fmt.Fprintf(t.stdout, "%s%s\n", prefix, line)
		}
	}
	return nil
}

func thread(t *Term, ctx callContext, args string) error {
	p, err := t.currentProcess()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.New("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	th := p.Thread(tid)
	if th == nil {
		return fmt.Errorf("no thread %d in process %d", tid, p.Pid())
	}
	old, _ := t.currentThread()
	t.selectThread(th)
	oldID := "<none>"
	if old != nil {
		oldID = strconv.Itoa(old.ID())
	}
	fmt.Fprintf(t.stdout, "Switched from %s to %d\n", oldID, tid)
	return nil
}

func processes(t *Term, ctx callContext, args string) error {
	cur := t.Process()
	for _, p := range t.engine.Processes() {
		prefix := "  "
		if p == cur {
			prefix = "* "
		}
		line := fmt.Sprintf("process %d %s %v threads=%d", p.Pid(), p.Path(), p.State(), len(p.Threads()))
		if p.Parent() != 0 {
			line += fmt.Sprintf(" parent=%d", p.Parent())
		}
		fmt.Fprintf(t.stdout, "%s%s\n", prefix, line)
	}
	return nil
}

func process(t *Term, ctx callContext, args string) error {
	pid, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid pid %q", args)
	}
	p := t.engine.FindProcess(pid)
	if p == nil {
		return fmt.Errorf("no process %d", pid)
	}
	t.selectProcess(p)
	fmt.Fprintf(t.stdout, "Switched to process %d\n", pid)
	return nil
}

func events(t *Term, ctx callContext, args string) error {
	t.stdout.PageMaybe()
	evs := t.engine.RecentEvents()
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid count %q", args)
		}
		if n < len(evs) {
			evs = evs[len(evs)-n:]
		}
	}
	for _, ev := range evs {
		fmt.Fprintln(t.stdout, ev)
	}
	return nil
}

// ExitRequestError is returned when the user
// exits pctl.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	if filepath.Ext(args) == ".star" {
		_, err := t.starlark().Execute(args, nil, "main")
		return err
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		err := c.Call(line, t)
		if isExitRequest(err) {
			return err
		}
		if err != nil {
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}
	return scanner.Err()
}
