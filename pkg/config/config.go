package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"runtime"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "pctl"
	configDirHidden string = ".pctl"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Backend selects the process control backend ("native" or "scripted").
	Backend string `yaml:"backend"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MemoryCachePages is the number of target pages kept in the memory
	// window cache of each process. Zero disables the cache.
	MemoryCachePages int `yaml:"memory-cache-pages"`

	// StopOnThreadCreate leaves newly created threads stopped even when
	// their process is running.
	StopOnThreadCreate bool `yaml:"stop-on-thread-create"`

	// FollowFork makes the native backend trace children created by fork,
	// vfork and exec.
	FollowFork bool `yaml:"follow-fork"`

	// DisableASLR disables address space randomization for spawned
	// processes.
	DisableASLR bool `yaml:"disable-aslr"`

	// Env is a list of KEY=VALUE pairs appended to the environment of
	// spawned processes.
	Env []string `yaml:"env"`

	// TTY allocates a pseudo terminal for the standard streams of spawned
	// processes.
	TTY bool `yaml:"tty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Backend:          "native",
		MemoryCachePages: 64,
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return DefaultConfig(), fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return DefaultConfig(), fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return Read(f)
}

// LoadConfigFile reads the configuration from the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a configuration, filling unset options with their defaults.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("unable to read config data: %v", err)
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return DefaultConfig(), fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.Backend == "" {
		c.Backend = "native"
	}
	if c.MemoryCachePages < 0 {
		c.MemoryCachePages = 0
	}
	return c, nil
}

// SaveConfig writes conf to the config file, replacing its contents.
func SaveConfig(conf *Config) error {
	path, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// createDefaultConfig writes the commented out default configuration to
// path and returns it opened for reading.
func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for pctl.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Process control backend, "native" (ptrace) or "scripted".
# backend: native

# Number of target memory pages cached per process (0 disables the cache).
# memory-cache-pages: 64

# Keep new threads stopped after they are reported.
# stop-on-thread-create: false

# Trace children created by fork and exec.
# follow-fork: false

# Disable address space randomization for spawned processes.
# disable-aslr: false

# Allocate a pseudo terminal for spawned processes.
# tty: false

# Extra environment for spawned processes.
# env: ["FOO=bar"]

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" && runtime.GOOS != "windows" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
