package main

import (
	"fmt"
	"os"

	"github.com/frostdev-ops/shelly-fleet-go/internal/cli"
)

func main() {
	app := cli.New()
	if err := app.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
