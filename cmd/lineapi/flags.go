package main

import (
	"github.com/urfave/cli/v3"

	"github.com/guarzo/lineapi/common/config"
)

var (
	fDebug      = "debug"
	fChannelID  = "channel-id"
	fSecret     = "channel-secret"
	fAPIBaseURL = "api-base-url"
	fTokenDB    = "token-db"
	fTokenKey   = "token-key"
	fEnvFile    = "env-file"
)

// getFlags returns the global flags. Unset flags fall back to the viper
// configuration (LINE_* environment variables and lineapi.yml).
func getFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  fDebug,
			Usage: "Enable debug logging",
		},
		&cli.StringFlag{
			Name:  fChannelID,
			Usage: "The LINE Login channel ID",
		},
		&cli.StringFlag{
			Name:  fSecret,
			Usage: "The channel secret, used to verify HS256 ID tokens",
		},
		&cli.StringFlag{
			Name:  fAPIBaseURL,
			Usage: "Base URL of the API host",
		},
		&cli.StringFlag{
			Name:      fTokenDB,
			Usage:     "Path to the sqlite file holding the current token",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  fTokenKey,
			Usage: "Base64 encoded 32 byte key used to encrypt stored tokens (see keygen)",
		},
		&cli.StringFlag{
			Name:      fEnvFile,
			Usage:     "Optional .env file loaded before reading LINE_* variables",
			Value:     ".env",
			TakesFile: true,
		},
	}
}

// applyFlags overlays explicitly set flags on the loaded configuration.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet(fDebug) {
		cfg.Debug = cmd.Bool(fDebug)
	}
	overrides := map[string]*string{
		fChannelID:  &cfg.ChannelID,
		fSecret:     &cfg.ChannelSecret,
		fAPIBaseURL: &cfg.APIBaseURL,
		fTokenDB:    &cfg.TokenDB,
		fTokenKey:   &cfg.TokenKey,
	}
	for name, dst := range overrides {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
}
