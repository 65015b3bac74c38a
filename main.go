package main

import (
	"fmt"
	"os"

	"github.com/signalnine/crucible/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crucible: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
