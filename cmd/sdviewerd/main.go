package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent"
	"github.com/etienneschalk/scientific-data-viewer-sub002/internal/files"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "sdviewerd",
		Usage: "the scientific data viewer agent, running worker processes for the rendering surface",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8391",
			},
			&cli.StringFlag{
				Name:  "python",
				Usage: "The Python interpreter used to run worker scripts.",
				Value: "python3",
			},
			&cli.StringFlag{
				Name:  "scripts-dir",
				Usage: "Directory holding the worker scripts. Defaults to a 'workers' directory found upward from the working directory.",
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "Client-side timeout for a single request.",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "exec-timeout",
				Usage: "Server-side deadline after which a worker process group is killed. Must be longer than the request timeout.",
				Value: 2 * time.Minute,
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Usage: "Maximum concurrent worker processes during a batch.",
				Value: 3,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			scriptsDir := ctx.String("scripts-dir")
			if scriptsDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getting working directory: %w", err)
				}
				scriptsDir, err = files.FindUp("workers", wd)
				if err != nil {
					return fmt.Errorf("no --scripts-dir given and no 'workers' directory found: %w", err)
				}
			}

			opts := []agent.Option{
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithLimits(agent.Limits{
					RequestTimeout: ctx.Duration("request-timeout"),
					ExecTimeout:    ctx.Duration("exec-timeout"),
					MaxParallel:    ctx.Int("max-parallel"),
				}),
			}
			if !ctx.Bool("debug") {
				opts = append(opts, agent.WithLogLevel(zapcore.InfoLevel))
			}

			a, err := agent.NewAgent(agent.Worker{
				Python:     ctx.String("python"),
				ScriptsDir: scriptsDir,
			}, opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
