package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/pctl/pkg/config"
	"github.com/go-delve/pctl/pkg/logflags"
	"github.com/go-delve/pctl/pkg/proc"
	"github.com/go-delve/pctl/pkg/proc/native"
	"github.com/go-delve/pctl/pkg/proc/scripted"
	"github.com/go-delve/pctl/pkg/terminal"
	"github.com/go-delve/pctl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string

	// backend selection
	backend string

	disableASLR bool
	tty         bool
	followFork  bool
	env         []string

	waitFor         string
	waitForInterval time.Duration
	waitForDuration time.Duration

	conf *config.Config
)

const pctlCommandLongDesc = `pctl controls native processes.

pctl launches or attaches to processes and lets you stop and resume them,
inspect their threads, registers and memory, set breakpoints and watch the
events the operating system reports for them.

Pass flags to the program you are controlling using ` + "`--`" + `, for example:

` + "`pctl run ./server -- --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.DefaultConfig()

	// Main pctl root command.
	rootCommand := &cobra.Command{
		Use:   "pctl",
		Short: "pctl is a process control tool.",
		Long:  pctlCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Flags())
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (generator, decoder, handler, engine, native, scripted, terminal)`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, the default is config.yml in the pctl configuration directory.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "", `Backend selection, one of: `+strings.Join(proc.Backends(), ", ")+`.`)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:     "run <path/to/binary> [-- args]",
		Aliases: []string{"exec"},
		Short:   "Launch a program and take control of it.",
		Long: `Launch a program and take control of it.

The program is stopped before its first instruction. Use 'continue' in the
terminal to let it run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitStatus(execute(func(ctx context.Context, e *proc.Engine) (*proc.Process, error) {
				return e.Create(ctx, launchConfig(conf, args))
			}, nil))
		},
	}
	addLaunchFlags(runCommand.Flags())
	rootCommand.AddCommand(runCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach [pid]",
		Short: "Attach to running process and take control of it.",
		Long: `Attach to an already running process and take control of it.

When exiting the session you will have the option to let the process continue
or kill it. With --waitfor pctl waits for a process whose command line starts
with the given prefix and attaches to it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd.Flags()); err != nil {
				return err
			}
			if len(args) == 0 && waitFor == "" {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		RunE: attachCmd,
	}
	attachCommand.Flags().StringVar(&waitFor, "waitfor", "", "Wait for a process with a name beginning with this prefix")
	attachCommand.Flags().DurationVar(&waitForInterval, "waitfor-interval", time.Millisecond, "Interval between checks of the process list")
	attachCommand.Flags().DurationVar(&waitForDuration, "waitfor-duration", 0, "Total time to wait for a process, zero waits forever")
	attachCommand.Flags().BoolVar(&followFork, "follow-fork", false, "Trace children created by fork and exec.")
	rootCommand.AddCommand(attachCommand)

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay <script.yml>",
		Short: "Control a simulated process described by a script.",
		Long: `Control a simulated process described by a script.

The script describes processes, their memory and registers and the events
they report. The first process of the script is launched.`,
		Args: cobra.ExactArgs(1),
		RunE: replayCmd,
	}
	rootCommand.AddCommand(replayCommand)

	// 'backends' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "Lists the available backends.",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range proc.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	})

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pctl\n%s\n", version.PctlVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addLaunchFlags(fs *pflag.FlagSet) {
	fs.StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	fs.BoolVar(&disableASLR, "disable-aslr", false, "Disables address space randomization")
	fs.BoolVar(&tty, "tty", false, "Allocates a pseudo terminal for the program")
	fs.BoolVar(&followFork, "follow-fork", false, "Trace children created by fork and exec.")
	fs.StringArrayVar(&env, "env", nil, "Adds KEY=VALUE to the environment of the program")
}

// loadConfig reads the configuration file and applies the flags that
// override it.
func loadConfig(fs *pflag.FlagSet) error {
	var err error
	if configPath != "" {
		conf, err = config.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
	} else {
		conf, err = config.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	applyFlags(fs, conf)
	return nil
}

func applyFlags(fs *pflag.FlagSet, conf *config.Config) {
	changed := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("backend") {
		conf.Backend = backend
	}
	if changed("disable-aslr") {
		conf.DisableASLR = disableASLR
	}
	if changed("tty") {
		conf.TTY = tty
	}
	if changed("follow-fork") {
		conf.FollowFork = followFork
	}
	if changed("env") {
		conf.Env = append(conf.Env, env...)
	}
}

func engineConfig(conf *config.Config) proc.EngineConfig {
	return proc.EngineConfig{
		Backend:            conf.Backend,
		MemoryCachePages:   conf.MemoryCachePages,
		StopOnThreadCreate: conf.StopOnThreadCreate,
		FollowFork:         conf.FollowFork,
	}
}

func launchConfig(conf *config.Config, args []string) proc.LaunchConfig {
	return proc.LaunchConfig{
		Path:        args[0],
		Args:        args,
		Env:         conf.Env,
		Dir:         workingDir,
		DisableASLR: conf.DisableASLR,
		TTY:         conf.TTY,
		Foreground:  !conf.TTY,
	}
}

func attachCmd(cmd *cobra.Command, args []string) error {
	var pid int
	if len(args) > 0 {
		var err error
		pid, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid: %s", args[0])
		}
	}
	return exitStatus(execute(func(ctx context.Context, e *proc.Engine) (*proc.Process, error) {
		if waitFor != "" {
			var err error
			pid, err = native.WaitFor(ctx, waitFor, waitForInterval, waitForDuration)
			if err != nil {
				return nil, err
			}
		}
		return e.Attach(ctx, pid)
	}, nil))
}

func replayCmd(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	s, err := scripted.ReadScript(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %v", args[0], err)
	}
	if len(s.Processes) == 0 {
		return fmt.Errorf("%s: no processes", args[0])
	}
	b, err := s.Backend()
	if err != nil {
		return err
	}
	path := s.Processes[0].Path
	if path == "" {
		path = "replay"
	}
	return exitStatus(execute(func(ctx context.Context, e *proc.Engine) (*proc.Process, error) {
		return e.Create(ctx, proc.LaunchConfig{Path: path, Args: []string{path}})
	}, b))
}

func exitStatus(status int) error {
	if status != 0 {
		os.Exit(status)
	}
	return nil
}

// execute creates the engine, starts the process with start and runs the
// terminal until the user quits. A nil b selects the configured backend.
func execute(start func(context.Context, *proc.Engine) (*proc.Process, error), b proc.Backend) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	var (
		e   *proc.Engine
		err error
	)
	if b != nil {
		e, err = proc.NewWithBackend(b, engineConfig(conf))
	} else {
		e, err = proc.New(engineConfig(conf))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer e.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT)
	p, err := start(ctx, e)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := e.HandleEvents(context.Background(), false); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if p.TTY() != nil {
		fmt.Printf("Program terminal: %s\n", p.TTY().Name())
		go io.Copy(os.Stdout, p.TTY())
	}

	term := terminal.New(e, p, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
