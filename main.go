package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	// Running with no arguments starts the daemon, matching what nearly
	// every invocation wants.
	if len(args) == 0 {
		args = []string{"serve"}
	}

	c := cli.NewCLI("sirr", fmt.Sprintf("%s-%s", Version, VersionPrerelease))
	c.Args = args
	c.HelpFunc = cli.BasicHelpFunc("sirr")
	c.Commands = Commands()

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
