// Command waybill is the supply chain custody ledger CLI and HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/jacentio/waybill/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
