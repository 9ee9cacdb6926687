// Package main is the emmcsim command.
package main

import (
	"os"

	"go.viam.com/emmc/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		cli.PrintError(app.ErrWriter, err)
		os.Exit(1)
	}
}
