// Package cli contains the emmcsim command line application, which runs the card engine against
// simulated hosts.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	generalFlagConfig  = "config"
	generalFlagDebug   = "debug"
	generalFlagExtCSD  = "ext-csd"
	generalFlagCaps    = "caps"
	generalFlagTrace   = "trace"
	generalFlagLevel   = "log-level"
	generalFlagLogFile = "log-file"

	cycleFlagCount   = "count"
	cycleFlagRuntime = "runtime"

	scaleFlagFreq = "freq"

	shutdownFlagKind = "kind"

	simulateFlagHosts = "hosts"
)

var app = &cli.App{
	Name:            "emmcsim",
	Usage:           "run the eMMC card engine against a simulated host",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load simulator configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringSliceFlag{
			Name:  generalFlagExtCSD,
			Usage: "override an EXT_CSD byte of the simulated card, as `INDEX=VALUE` (e.g. 196=0x57)",
		},
		&cli.StringSliceFlag{
			Name:  generalFlagCaps,
			Usage: "replace the host capabilities with these names (e.g. hs26,4bit)",
		},
		&cli.StringFlag{
			Name:  generalFlagTrace,
			Usage: "log every engine step of the `HOST` with this name, whatever the log level",
		},
		&cli.StringSliceFlag{
			Name:  generalFlagLevel,
			Usage: "set the log level of one host's engine, as `HOST=LEVEL` (e.g. mmc0=debug)",
		},
		&cli.StringFlag{
			Name:  generalFlagLogFile,
			Usage: "also write logs to `FILE`, rotated at 16MB",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "attach",
			Usage:  "attach a card and print what was negotiated",
			Action: AttachAction,
		},
		{
			Name:  "cycle",
			Usage: "suspend and resume the card repeatedly",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  cycleFlagCount,
					Value: 3,
					Usage: "number of suspend/resume cycles",
				},
				&cli.BoolFlag{
					Name:  cycleFlagRuntime,
					Usage: "use runtime suspend and resume",
				},
			},
			Action: CycleAction,
		},
		{
			Name:      "scale",
			Usage:     "move the bus clock through the given frequencies",
			UsageText: "emmcsim scale --freq 50MHz --freq 200MHz",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:     scaleFlagFreq,
					Required: true,
					Usage:    "target bus `FREQUENCY`, may be repeated",
				},
			},
			Action: ScaleAction,
		},
		{
			Name:  "shutdown",
			Usage: "send the power off notification for a shutdown",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  shutdownFlagKind,
					Value: "poweroff",
					Usage: "one of reboot, halt, poweroff",
				},
			},
			Action: ShutdownAction,
		},
		{
			Name:  "simulate",
			Usage: "run attach, suspend, resume and shutdown on several independent hosts at once",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  simulateFlagHosts,
					Value: 4,
					Usage: "number of simulated hosts",
				},
			},
			Action: SimulateAction,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of the simulator config file",
			Action: SchemaAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
