package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"

	"github.com/go-delve/pctl/pkg/config"
	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
	"github.com/go-delve/pctl/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".pctl_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running pctl.
type Term struct {
	engine *proc.Engine
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout *pagingWriter
	log    logflags.Logger

	// InitFile is a file of commands executed before the first prompt.
	InitFile string

	mu          sync.Mutex
	proc        *proc.Process
	thread      *proc.Thread
	starlarkEnv *starbind.Env

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term controlling p through e.
func New(e *proc.Engine, p *proc.Process, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = config.DefaultConfig()
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := &Term{
		engine: e,
		conf:   conf,
		prompt: "(pctl) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: &pagingWriter{w: w},
		log:    logflags.TerminalLogger(),
	}
	t.selectProcess(p)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Process returns the process commands act on.
func (t *Term) Process() *proc.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

func (t *Term) currentThread() (*proc.Thread, error) {
	t.mu.Lock()
	th, p := t.thread, t.proc
	t.mu.Unlock()
	if p == nil {
		return nil, errors.New("no process")
	}
	if th == nil || th.Valid() != nil || !th.Stopped() {
		th = p.StoppedThread()
	}
	if th == nil {
		return nil, fmt.Errorf("process %d: %w", p.Pid(), proc.ErrNoStoppedThread)
	}
	return th, nil
}

func (t *Term) selectProcess(p *proc.Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proc = p
	t.thread = nil
	if p != nil {
		t.thread = p.StoppedThread()
	}
}

func (t *Term) selectThread(th *proc.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thread = th
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.cancelScript()
		p := t.Process()
		if p == nil || p.Valid() != nil {
			continue
		}
		fmt.Fprintf(t.stdout, "received SIGINT, stopping process (will not forward signal)\n")
		if err := t.engine.Stop(context.Background(), p); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run reads commands from the prompt and executes them until the user
// exits. The returned status is the one pctl should exit with.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Stop the target on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)
	t.loadHistory()
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		if err := t.cmds.executeFile(t, t.InitFile); err != nil {
			if isExitRequest(err) {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err == io.EOF {
			fmt.Println("exit")
			return t.handleExit()
		}
		if err != nil {
			return 1, fmt.Errorf("prompt for input failed: %w", err)
		}
		err = t.cmds.Call(cmdstr, t)
		t.stdout.Reset()
		if err != nil && t.reportError(err) {
			return t.handleExit()
		}
	}
}

// reportError prints the error of a command and reports whether the
// terminal should exit.
func (t *Term) reportError(err error) bool {
	if isExitRequest(err) {
		return true
	}
	var pe proc.ErrProcessExited
	if errors.As(err, &pe) {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	t.quittingMutex.Lock()
	quitting := t.quitting
	t.quittingMutex.Unlock()
	if !quitting {
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
	}
	return quitting
}

func isExitRequest(err error) bool {
	_, ok := err.(ExitRequestError)
	return ok
}

func (t *Term) complete(line string) []string {
	line = strings.ToLower(line)
	var r []string
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, line) {
				r = append(r, alias)
			}
		}
	}
	return r
}

func (t *Term) loadHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.\n", err)
		return
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		f, err = os.Create(path)
	}
	if err != nil {
		fmt.Printf("Unable to open history file: %v. History will not be saved for this session.\n", err)
		return
	}
	t.line.ReadHistory(f)
	f.Close()
}

func (t *Term) saveHistory() {
	path, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_TRUNC, 0o666)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Println("readline history error:", err)
	}
}

// Println prints a line to the terminal, prefix is highlighted.
func (t *Term) Println(prefix, str string) {
	t.colorPrintln(ansiBlue, prefix, str)
}

func (t *Term) colorPrintln(color int, prefix, str string) {
	if !t.dumb {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, color, prefix)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	if l = strings.TrimSuffix(l, "\n"); l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

// yesno asks question until the answer is recognizably yes or no. An
// empty answer counts as yes.
func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// handleExit saves the history and releases every live process: launched
// processes are killed, attached ones are detached unless the user asks
// otherwise.
func (t *Term) handleExit() (int, error) {
	t.saveHistory()

	ctx := context.Background()
	for _, p := range t.engine.Processes() {
		if p.Valid() != nil {
			continue
		}
		kill := p.Launched()
		if !kill {
			answer, err := yesno(t.line, fmt.Sprintf("Would you like to kill process %d? [Y/n] ", p.Pid()))
			if err != nil {
				return 2, io.EOF
			}
			kill = answer
		}
		if err := t.release(ctx, p, kill); err != nil {
			return 1, err
		}
	}
	return 0, nil
}

func (t *Term) release(ctx context.Context, p *proc.Process, kill bool) error {
	if kill {
		_, err := t.engine.Terminate(ctx, p)
		return err
	}
	if p.State() == proc.ProcessRunning {
		if err := t.engine.Stop(ctx, p); err != nil {
			return err
		}
		var pe proc.ErrProcessExited
		if err := t.engine.WaitStop(ctx, p); errors.As(err, &pe) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return t.engine.Detach(ctx, p)
}
