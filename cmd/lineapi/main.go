package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/guarzo/lineapi/common"
	"github.com/guarzo/lineapi/common/config"
	"github.com/guarzo/lineapi/common/encrypt"
	"github.com/guarzo/lineapi/common/logging"
	"github.com/guarzo/lineapi/common/model"
	"github.com/guarzo/lineapi/common/tokenstore"
	"github.com/guarzo/lineapi/modules/login"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("error running command")
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:   "lineapi",
		Usage:  "Manage a LINE Login access token and call the social API with it",
		Flags:  getFlags(),
		Before: loadEnvFile,
		Commands: []*cli.Command{
			refreshCommand(),
			revokeCommand(),
			verifyCommand(),
			verifyIDTokenCommand(),
			profileCommand(),
			friendshipCommand(),
			statusCommand(),
			setTokenCommand(),
			keygenCommand(),
		},
	}
}

func loadEnvFile(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String(fEnvFile)
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ctx, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return ctx, nil
}

// app holds the wired dependencies for one command invocation.
type app struct {
	cfg      *config.Config
	store    tokenstore.Store
	session  *login.Session
	service  login.LoginService
	verifier *login.IDTokenVerifier
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setup(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	logging.NewLogger(cfg.Debug)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	store, err := setupStore(a, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	hc := common.NewLineHttpClient(cfg.UserAgent, &http.Client{})
	a.closers = append(a.closers, hc.CloseIdleConnections)

	opts := []login.SessionOption{}
	if cfg.CacheTTL > 0 {
		cache, err := common.NewCacheStore(common.DefaultCacheMaxCost)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		a.closers = append(a.closers, cache.Close)
		opts = append(opts, login.WithCache(cache, cfg.CacheTTL))
	}

	a.session = login.NewSession(cfg.APIBaseURL, cfg.ChannelID, hc, store, opts...)
	a.service = login.NewLoginService(a.session, store, cfg.ChannelID)
	a.verifier = login.NewIDTokenVerifier(login.IDTokenConfig{
		ChannelID:     cfg.ChannelID,
		ChannelSecret: cfg.ChannelSecret,
		Issuer:        cfg.AccessBaseURL,
		APIBaseURL:    cfg.APIBaseURL,
	}, hc)
	return a, nil
}

func setupStore(a *app, cfg *config.Config) (tokenstore.Store, error) {
	if cfg.TokenKey == "" {
		log.Warn().Msg("no token key configured, the token will not outlive this process")
		return tokenstore.NewMemoryStore(), nil
	}
	key, err := encrypt.ParseKey(cfg.TokenKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TokenDB), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token db directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(cfg.TokenDB), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("unable to open token db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
	}
	return tokenstore.NewSQLiteStore(db, key, cfg.ChannelID)
}

// withApp wires dependencies around an action and releases them afterwards.
func withApp(fn func(ctx context.Context, a *app, cmd *cli.Command) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		err = fn(ctx, a, cmd)
		s := a.session.Stats()
		log.Debug().Int64("total", s.Total).Int64("success", s.Success).Int64("failed", s.Failed).Msg("api calls")
		return err
	}
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Exchange a refresh token for a new access token and store it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "refresh-token", Usage: "Refresh token to use instead of the stored one"},
		},
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			token, err := a.service.RefreshAccessToken(ctx, cmd.String("refresh-token"))
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), token)
		}),
	}
}

func revokeCommand() *cli.Command {
	return &cli.Command{
		Name:  "revoke",
		Usage: "Revoke an access token (the stored one by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "access-token", Usage: "Access token to revoke instead of the stored one"},
		},
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			if err := a.service.RevokeAccessToken(ctx, cmd.String("access-token")); err != nil {
				return err
			}
			log.Info().Msg("access token revoked")
			return nil
		}),
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify an access token (the stored one by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "access-token", Usage: "Access token to verify instead of the stored one"},
		},
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			result, err := a.service.VerifyAccessToken(ctx, cmd.String("access-token"))
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), result)
		}),
	}
}

func verifyIDTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-id-token",
		Usage: "Verify an ID token (the one stored with the current access token by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id-token", Usage: "Raw ID token to verify"},
			&cli.StringFlag{Name: "nonce", Usage: "Expected nonce"},
		},
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			raw := cmd.String("id-token")
			if raw == "" {
				current, err := a.store.Current(ctx)
				if err != nil {
					return err
				}
				if current == nil || current.IDToken == "" {
					return errors.New("no id token stored")
				}
				raw = current.IDToken
			}
			claims, err := a.verifier.Verify(ctx, raw, cmd.String("nonce"))
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), claims)
		}),
	}
}

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "Show the profile of the stored token's user",
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			profile, err := a.service.GetProfile(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), profile)
		}),
	}
}

func friendshipCommand() *cli.Command {
	return &cli.Command{
		Name:  "friendship",
		Usage: "Show whether the user has added the channel's bot as a friend",
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			status, err := a.service.GetBotFriendshipStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), status)
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show profile and friendship status together",
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			status, err := a.service.GetStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout(cmd), status)
		}),
	}
}

func setTokenCommand() *cli.Command {
	var token model.AccessToken
	return &cli.Command{
		Name:  "set-token",
		Usage: "Store a token obtained elsewhere (e.g. from a login redirect) as the current token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "access-token", Required: true, Destination: &token.Value},
			&cli.StringFlag{Name: "refresh-token", Destination: &token.RefreshToken},
			&cli.StringFlag{Name: "id-token", Destination: &token.IDToken},
			&cli.StringFlag{Name: "scope", Value: "profile", Destination: &token.Scope},
			&cli.Int64Flag{Name: "expires-in", Usage: "Lifetime in seconds", Destination: &token.ExpiresIn},
		},
		Action: withApp(func(ctx context.Context, a *app, cmd *cli.Command) error {
			token.TokenType = "Bearer"
			token.CreatedAt = time.Now()
			if err := a.store.SetCurrent(ctx, &token); err != nil {
				return err
			}
			log.Info().Strs("scopes", token.Permissions()).Msg("token stored")
			return nil
		}),
	}
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a key for LINE_TOKEN_KEY",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, err := encrypt.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout(cmd), key)
			return err
		},
	}
}
