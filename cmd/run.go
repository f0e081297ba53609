package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/cobaltsec/cobaltgraph/config"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/pipeline"
	"github.com/cobaltsec/cobaltgraph/util"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var RunCommand = &cli.Command{
	Name:      "run",
	Usage:     "run the capture, enrichment and consensus pipeline",
	UsageText: "run (device|network) [--config FILE]",
	Subcommands: []*cli.Command{
		{
			Name:      "device",
			Usage:     "observe this host's own connection table (no privileges required)",
			UsageText: "run device [--config FILE]",
			Args:      false,
			Flags: []cli.Flag{
				ConfigFlag(false),
			},
			Action: func(cCtx *cli.Context) error {
				return runPipeline(cCtx, config.ModeDevice, "")
			},
		},
		{
			Name:      "network",
			Usage:     "observe traffic on a network interface in promiscuous mode",
			UsageText: "run network --interface IFACE [--config FILE]",
			Args:      false,
			Flags: []cli.Flag{
				ConfigFlag(false),
				&cli.StringFlag{
					Name:    "interface",
					Aliases: []string{"i"},
					Usage:   "capture `INTERFACE`",
				},
			},
			Action: func(cCtx *cli.Context) error {
				return runPipeline(cCtx, config.ModeNetwork, cCtx.String("interface"))
			},
		},
	},
}

func runPipeline(cCtx *cli.Context, mode string, iface string) error {
	if cCtx.NArg() > 0 {
		return ErrTooManyArguments
	}

	afs := afero.NewOsFs()
	cfg, err := LoadRunConfig(afs, cCtx.String("config"), mode, iface)
	if err != nil {
		logger := zlog.GetLogger()
		logger.Error().Err(err).Msg("invalid configuration")
		return cli.Exit(err.Error(), pipeline.ExitConfigInvalid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if code := pipeline.Run(ctx, cfg); code != pipeline.ExitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// LoadRunConfig loads the config file, applies the command-line mode and
// interface, and validates the result. A missing file at the default path
// falls back to built-in defaults; an explicitly named file must exist.
func LoadRunConfig(afs afero.Fs, path string, mode string, iface string) (*config.Config, error) {
	var cfg *config.Config

	err := util.ValidateFile(afs, path)
	switch {
	case err == nil:
		cfg, err = config.LoadConfig(afs, path)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, util.ErrFileDoesNotExist) && path == config.DefaultConfigPath:
		defaults := config.GetDefaultConfig()
		cfg = &defaults
	default:
		return nil, err
	}

	cfg.Mode = mode
	if iface != "" {
		cfg.Capture.Interface = iface
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
