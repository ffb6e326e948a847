package main

import (
	"fmt"
	"os"

	"github.com/roach88/clustertest/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "clustertest:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
