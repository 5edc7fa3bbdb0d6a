package main

import (
	"fmt"
	"os"

	"github.com/DarlingtonDeveloper/fiscal-relay/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
