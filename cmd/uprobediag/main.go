package main

import (
	"fmt"
	"log"
	"os"

	"github.com/tcassar-diss/uprobediag/frontend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// session carries what every subcommand needs once global flags are parsed.
type session struct {
	logger  *zap.SugaredLogger
	cfg     *frontend.Config
	format  string
	noColor bool
}

var s = &session{}

func initLogger(verbose bool) (*zap.SugaredLogger, error) {
	newLogger := zap.NewProduction
	if verbose {
		newLogger = zap.NewDevelopment
	}

	l, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to get zap logger: %w", err)
	}

	return l.Sugar(), nil
}

func before(cCtx *cli.Context) error {
	logger, err := initLogger(cCtx.Bool("verbose"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	s.logger = logger

	cfg, err := frontend.LoadConfigFile(cCtx.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load configuration: %v", err), 1)
	}

	if cCtx.IsSet("proc-root") {
		cfg.ProcRoot = cCtx.String("proc-root")
	}

	if cCtx.IsSet("offset-policy") {
		cfg.OffsetMode = uprobeMode(cCtx.String("offset-policy"))
		if err := cfg.Validate(); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	s.cfg = cfg
	s.format = cCtx.String("format")
	s.noColor = cCtx.Bool("no-color")

	return nil
}

func main() {
	app := &cli.App{
		Name:  "uprobediag",
		Usage: "find out why a uprobe doesn't fire on a running process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file; UPROBEDIAG_* environment variables override it",
				EnvVars: []string{"UPROBEDIAG_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level in development format",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Value:   "text",
				Usage:   "output format: text, json or yaml",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "don't colourise text output",
			},
			&cli.StringFlag{
				Name:  "proc-root",
				Usage: "procfs mount point, e.g. /host/proc inside a container",
			},
			&cli.StringFlag{
				Name:  "offset-policy",
				Usage: "where attach tests place their probe: header, entry or fixed",
			},
		},
		Before: before,
		After: func(*cli.Context) error {
			if s.logger != nil {
				_ = s.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			diagnoseCommand(),
			candidatesCommand(),
			attachCommand(),
			debugFileCommand(),
			offsetsCommand(),
			cleanupCommand(),
			watchCommand(),
			programsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
