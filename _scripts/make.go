package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const (
	modulePath  = "github.com/go-delve/pctl"
	mainPackage = modulePath + "/cmd/pctl"
)

// testSets are the named package groups accepted by "make.go test -s".
var testSets = map[string][]string{
	"basic": {
		modulePath + "/pkg/proc",
		modulePath + "/pkg/proc/native",
		modulePath + "/pkg/proc/scripted",
		modulePath + "/pkg/terminal",
	},
	"native": {modulePath + "/pkg/proc/native"},
}

type testOptions struct {
	verbose   bool
	noTimeout bool
	set       string
	run       string
}

func newMakeCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "make.go",
		Short: "make script for pctl.",
	}
	goCommand := func(use, short string, args ...string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run("go", append(args, mainPackage)...)
			},
		}
	}
	install := goCommand("install", "Installs pctl", "install")
	install.PostRun = func(*cobra.Command, []string) {
		fmt.Printf("installed %s\n", installedExecutablePath())
	}
	root.AddCommand(
		goCommand("build", "Build pctl", "build"),
		install,
		goCommand("uninstall", "Uninstalls pctl", "clean", "-i"),
		newTestCommand(),
	)
	return root
}

func newTestCommand() *cobra.Command {
	var opts testOptions
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Tests pctl",
		Long: `Tests pctl.

Use the flags -s and -r to select the tests to run. Without them every package is tested.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.test()
		},
	}
	fs := cmd.Flags()
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose tests")
	fs.BoolVarP(&opts.noTimeout, "timeout", "t", false, "Set infinite timeouts")
	fs.StringVarP(&opts.set, "test-set", "s", "all", `Select the set of tests to run, one of:
	all		tests all packages
	basic		tests proc, the backends and terminal
	native		tests the native backend only
	package-name	tests the specified package only`)
	fs.StringVarP(&opts.run, "test-run", "r", "", "Only runs the tests matching the regex, requires a single package test set")
	return cmd
}

func (opts *testOptions) test() error {
	pkgs, err := packagesFor(opts.set)
	if err != nil {
		return err
	}
	args := []string{"test", "-count", "1", "-p", "1"}
	if opts.verbose {
		args = append(args, "-v")
	}
	if opts.noTimeout {
		args = append(args, "-timeout", "0")
	}
	if opts.run != "" {
		if len(pkgs) != 1 {
			return fmt.Errorf("--test-run can not be used with test set %q", opts.set)
		}
		args = append(args, "-run="+opts.run)
	}
	return run("go", append(args, pkgs...)...)
}

func packagesFor(set string) ([]string, error) {
	if pkgs, ok := testSets[set]; ok {
		return pkgs, nil
	}
	all, err := listPackages()
	if err != nil || set == "all" {
		return all, err
	}
	for _, pkg := range all {
		if pkg == set || strings.HasSuffix(pkg, "/"+set) {
			return []string{pkg}, nil
		}
	}
	return nil, fmt.Errorf("unknown test set %q", set)
}

func listPackages() ([]string, error) {
	out, err := output("go", "list", "./...")
	if err != nil {
		return nil, err
	}
	var r []string
	for _, pkg := range strings.Fields(out) {
		if !strings.Contains(pkg, "/_scripts") {
			r = append(r, pkg)
		}
	}
	sort.Strings(r)
	return r, nil
}

// run echoes and executes a command with the standard streams attached.
func run(name string, args ...string) error {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = arg
		if strings.ContainsRune(arg, ' ') {
			quoted[i] = fmt.Sprintf("%q", arg)
		}
	}
	fmt.Println(name, strings.Join(quoted, " "))
	cmd := exec.Command(name, args...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd.Run()
}

func output(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %v", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "pctl")
	}
	gopath, err := output("go", "env", "GOPATH")
	if err != nil {
		return "pctl"
	}
	return filepath.Join(strings.TrimSpace(strings.Split(gopath, string(os.PathListSeparator))[0]), "bin", "pctl")
}

func main() {
	if err := newMakeCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
