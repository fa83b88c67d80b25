package terminal

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/pctl/pkg/config"
)

func configureCmd(t *Term, ctx callContext, args string) error {
	switch args {
	case "":
		return errors.New("wrong number of arguments to \"config\"")
	case "-list":
		out, err := yaml.Marshal(t.conf)
		if err != nil {
			return err
		}
		t.stdout.Write(out)
		return nil
	case "-save":
		return config.SaveConfig(t.conf)
	}

	name, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if name == "alias" {
		return configureAlias(t, value)
	}
	if value == "" {
		return fmt.Errorf("no value given for %s", name)
	}
	// options are set by decoding them as a one line document so that they
	// go through the same yaml tags as the config file
	conf := *t.conf
	if err := yaml.UnmarshalStrict([]byte(name+": "+value), &conf); err != nil {
		return fmt.Errorf("could not set %s: %v", name, err)
	}
	if conf.MemoryCachePages < 0 {
		return errors.New("memory-cache-pages can not be negative")
	}
	*t.conf = conf
	return nil
}

// configureAlias handles "config alias <command> [alias...]". Without
// aliases the user defined aliases of the command are removed.
func configureAlias(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 {
		return errors.New("usage: config alias <command> [alias...]")
	}
	cmd := t.cmds.lookup(v[0])
	if cmd == nil {
		return errNoCmd
	}
	name := cmd.aliases[0]
	if len(cmd.builtinAliases) > 0 {
		name = cmd.builtinAliases[0]
	}
	for _, alias := range v[1:] {
		if other := t.cmds.lookup(alias); other != nil && other != cmd {
			return fmt.Errorf("%q is already an alias of %s", alias, other.aliases[0])
		}
	}
	if t.conf.Aliases == nil {
		t.conf.Aliases = map[string][]string{}
	}
	if len(v) == 1 {
		delete(t.conf.Aliases, name)
	} else {
		t.conf.Aliases[name] = v[1:]
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
