package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/pctl/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	root := New()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", writeConfig(t, "backend: scripted\n"), "version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "Version: ") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if conf.Backend != "scripted" {
		t.Fatalf("configuration file not loaded: %+v", conf)
	}
}

func TestBackends(t *testing.T) {
	root := New()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", writeConfig(t, ""), "backends"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, name := range []string{"native", "scripted"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("backend %s not listed: %q", name, out.String())
		}
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	root := New()
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.PersistentFlags().Parse([]string{"--backend", "scripted"}); err != nil {
		t.Fatal(err)
	}
	fs := run.Flags()
	fs.AddFlagSet(root.PersistentFlags())
	if err := fs.Parse([]string{"--tty", "--env", "A=1", "--env", "B=2", "--wd", "/tmp"}); err != nil {
		t.Fatal(err)
	}

	c := &config.Config{Backend: "native", MemoryCachePages: 16, Env: []string{"BASE=0"}}
	applyFlags(fs, c)
	if c.Backend != "scripted" || !c.TTY || c.DisableASLR {
		t.Fatalf("unexpected configuration %+v", c)
	}
	if len(c.Env) != 3 || c.Env[0] != "BASE=0" || c.Env[2] != "B=2" {
		t.Fatalf("unexpected environment %v", c.Env)
	}

	lc := launchConfig(c, []string{"/bin/true", "-x"})
	if lc.Path != "/bin/true" || len(lc.Args) != 2 || lc.Dir != "/tmp" || !lc.TTY || lc.Foreground {
		t.Fatalf("unexpected launch configuration %+v", lc)
	}
	ec := engineConfig(c)
	if ec.Backend != "scripted" || ec.MemoryCachePages != 16 {
		t.Fatalf("unexpected engine configuration %+v", ec)
	}
}

func TestReplayRejectsEmptyScript(t *testing.T) {
	root := New()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	script := filepath.Join(t.TempDir(), "empty.yml")
	if err := os.WriteFile(script, []byte("arch: amd64\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	root.SetArgs([]string{"--config", writeConfig(t, ""), "replay", script})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "no processes") {
		t.Fatalf("expected an error for a script without processes, got %v", err)
	}
}

func TestAttachRequiresPid(t *testing.T) {
	root := New()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", writeConfig(t, ""), "attach"})
	if err := root.Execute(); err == nil {
		t.Fatal("attach without a pid succeeded")
	}
}
