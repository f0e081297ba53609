package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cobaltsec/cobaltgraph/cmd"
	"github.com/cobaltsec/cobaltgraph/config"
	"github.com/cobaltsec/cobaltgraph/logger"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Version is populated by build flags with the current Git tag
var Version string

func main() {
	// set the version in config to make it more importable by other packages
	config.Version = Version

	app := &cli.App{
		EnableBashCompletion: true,
		Commands:             cmd.Commands(),
		Name:                 "cobaltgraph",
		Usage:                "Passive network intelligence with consensus threat scoring",
		UsageText:            "cobaltgraph [-d] command [command options]",
		Version:              Version,
		Args:                 true,
		ExitErrHandler:       exitErrHandler,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Run in debug mode",
				Value:    false,
				Required: false,
			},
		},
		Before: func(cCtx *cli.Context) error {
			// set logger mode based on APP_ENV
			logger.DebugMode = os.Getenv("APP_ENV") == "dev"

			// override APP_ENV if the --debug flag is set
			// *note that global flags must be placed before the subcommand when running in the CLI
			if cCtx.Bool("debug") {
				logger.DebugMode = true
			}

			// credentials and scorer keys come from the environment; a .env
			// file is a convenience, not a requirement
			_ = godotenv.Load("./.env")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := logger.GetLogger()
		logger.Fatal().Err(err).Send()
	}
}

// exitErrHandler implements cli.ExitErrHandlerFunc
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	// pipeline exit codes pass through untouched
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintf(c.App.ErrWriter, "\n\n\t[!] %+v\n\n", msg)
		}
		cli.OsExiter(exitErr.ExitCode())
		return
	}

	fmt.Fprintf(c.App.ErrWriter, "\n\n\t[!] %+v\n\n", err.Error())
	cli.OsExiter(1)
}
