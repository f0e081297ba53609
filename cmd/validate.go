package cmd

import (
	"errors"
	"fmt"

	"github.com/cobaltsec/cobaltgraph/config"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrInvalidConfig = errors.New("encountered invalid configuration values")

var ValidateConfigCommand = &cli.Command{
	Name:      "validate",
	Usage:     "validate a configuration file",
	UsageText: "validate [--config FILE]",
	Args:      false,
	Flags: []cli.Flag{
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.String("config") == "" {
			return ErrMissingConfigPath
		}

		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		afs := afero.NewOsFs()

		if _, err := RunValidateConfigCommand(afs, cCtx.String("config")); err != nil {
			fmt.Printf("\n\t[!] Configuration file is not valid...")
			return err
		}

		return nil
	},
}

func RunValidateConfigCommand(afs afero.Fs, configPath string) (*config.Config, error) {
	if err := ValidateConfigPath(afs, configPath); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	fmt.Printf("\n\t[✨] Configuration file is valid \n\n")

	return cfg, nil
}
