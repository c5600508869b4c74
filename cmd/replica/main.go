// Command replica runs an escrowsync device replica and its trading
// commands against the local store.
package main

import (
	"fmt"
	"os"

	"github.com/mbd888/escrowsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
