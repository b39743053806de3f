package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/api"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/node"
	"github.com/samcharles93/weft/internal/sampler"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		backend     string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sampling job API",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "test backend (zero, constant)",
				Value:       "zero",
				Destination: &backend,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		}, loggingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := newLogger()

			net, err := testBackend(backend)
			if err != nil {
				return err
			}
			runner, err := sampler.New(model.Handle{
				Net:  net,
				Meta: model.Meta{Variant: model.TextToVideo, DType: "float32"},
			}, nil, log)
			if err != nil {
				return err
			}

			server := api.NewServer(node.Default(), runner, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
