package main

import (
	"os"

	"github.com/go-delve/pctl/cmd/pctl/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
