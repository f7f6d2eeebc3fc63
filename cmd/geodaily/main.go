package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"geodaily/internal/app"
	"geodaily/internal/commands"
	"geodaily/internal/config"
	"geodaily/internal/credentials"
	logx "geodaily/pkg/logx"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cliApp := &cli.App{
		Name:  "geodaily",
		Usage: "daily GeoGuessr challenges for Telegram chats",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to config yaml/json",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "optional .env file with " + config.EnvPrefix + "* overrides",
			},
		},
		Before: func(c *cli.Context) error {
			if p := c.String("env"); p != "" {
				return godotenv.Load(p)
			}
			// A missing ./.env is fine.
			_ = godotenv.Load()
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			credentialsCommand(),
			configCommand(),
		},
		DefaultCommand: "run",
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the bot until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "stop-timeout", Value: 10 * time.Second, Usage: "shutdown budget"},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			a, err := app.New(ctx, c.String("config"))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background())
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			<-ctx.Done()

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, cancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
			defer cancel()
			return a.Stop(stopCtx)
		},
	}
}

// offline opens storage and the credential manager without starting the bot.
func offline(c *cli.Context) (*credentials.Manager, func(), error) {
	cfg, err := config.NewManager(c.String("config")).Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := app.OpenStorage(cfg, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	creds, err := app.NewCredentials(c.Context, cfg, store, logx.Nop())
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return creds, func() { _ = store.Close() }, nil
}

func credentialsCommand() *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "inspect or replace stored session cookies",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "store cookies for a credential set",
				ArgsUsage: "<primary|auto-solver> <cookie or k=v; k2=v2>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("usage: credentials set <set> <cookie>", 2)
					}
					creds, done, err := offline(c)
					if err != nil {
						return err
					}
					defer done()
					set := commands.ParseCookies(c.Args().Get(1))
					if err := creds.Put(c.Context, c.Args().Get(0), set); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s: %s\n", c.Args().Get(0), set.Redacted())
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "print stored sets with values redacted",
				Action: func(c *cli.Context) error {
					creds, done, err := offline(c)
					if err != nil {
						return err
					}
					defer done()
					for _, name := range creds.Names() {
						set := creds.Get(name)
						if set.Empty() {
							fmt.Fprintf(c.App.Writer, "%s: (none)\n", name)
							continue
						}
						fmt.Fprintf(c.App.Writer, "%s: %s\n", name, set.Redacted())
					}
					return nil
				},
			},
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "configuration helpers",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "parse and validate the config file",
				Action: func(c *cli.Context) error {
					cfg, err := config.NewManager(c.String("config")).Load()
					if err != nil {
						return err
					}
					if err := app.Validate(cfg); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "config ok")
					return nil
				},
			},
		},
	}
}
