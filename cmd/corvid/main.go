package main

import (
	"fmt"
	"os"

	"github.com/OFFIS-RIT/corvid/backend/internal/cli"
	"github.com/OFFIS-RIT/corvid/backend/internal/util"
)

func main() {
	util.LoadEnv()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
