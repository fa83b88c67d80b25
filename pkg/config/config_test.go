package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadDefaults(t *testing.T) {
	c, err := Read(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != "native" {
		t.Fatalf("expected native backend, got %q", c.Backend)
	}
	if c.MemoryCachePages != 64 {
		t.Fatalf("expected 64 cached pages, got %d", c.MemoryCachePages)
	}
}

func TestReadOptions(t *testing.T) {
	in := `
backend: scripted
memory-cache-pages: -3
stop-on-thread-create: true
env: ["A=1", "B=two words"]
aliases:
  continue: ["go"]
`
	c, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != "scripted" || !c.StopOnThreadCreate {
		t.Fatalf("unexpected config %#v", c)
	}
	if c.MemoryCachePages != 0 {
		t.Fatalf("negative cache size should be clamped, got %d", c.MemoryCachePages)
	}
	if len(c.Env) != 2 || c.Env[1] != "B=two words" {
		t.Fatalf("unexpected env %#v", c.Env)
	}
	if a := c.Aliases["continue"]; len(a) != 1 || a[0] != "go" {
		t.Fatalf("unexpected aliases %#v", c.Aliases)
	}
}

func TestReadInvalid(t *testing.T) {
	if _, err := Read(strings.NewReader("backend: [")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := Read(&buf)
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c.Backend != "native" {
		t.Fatalf("unexpected backend %q", c.Backend)
	}
}

func TestConfigFilePathXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	p, err := GetConfigFilePath(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir, configDir, configFile) {
		t.Fatalf("unexpected path %q", p)
	}
	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.Backend != "native" {
		t.Fatalf("unexpected backend %q", c.Backend)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("default config not created: %v", err)
	}
}

func TestSaveConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := createConfigPath(); err != nil {
		t.Fatal(err)
	}
	conf := DefaultConfig()
	conf.FollowFork = true
	conf.Aliases = map[string][]string{"step-instruction": {"ni"}}
	if err := SaveConfig(conf); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !c.FollowFork || c.Aliases["step-instruction"][0] != "ni" {
		t.Fatalf("saved config not loaded back: %#v", c)
	}
}
