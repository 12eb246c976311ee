// Command wrongport listens on a retired port and tells clients to use the
// new one.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/wrongport"
)

func cmd() *cli.Command {
	return &cli.Command{
		Name:      "wrongport",
		Usage:     "answer every request on PORT with 503 and a pointer to the right port",
		ArgsUsage: "PORT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Set the listen address",
				Sources: cli.EnvVars("HOST"),
			},
			&cli.StringFlag{
				Name:    "env",
				Value:   "development",
				Usage:   "Set the environment (selects the log format)",
				Sources: cli.EnvVars("ENV"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger.Init(cmd.String("env"))

			port, err := parsePort(cmd.Args().First())
			if err != nil {
				return err
			}
			return serve(ctx, net.JoinHostPort(cmd.String("host"), strconv.Itoa(port)))
		},
	}
}

func parsePort(arg string) (int, error) {
	if arg == "" {
		return 0, errors.New("missing PORT argument")
	}
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", arg)
	}
	return port, nil
}

func serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           wrongport.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wrong port warning server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wrongport: %v\n", err)
		os.Exit(1)
	}
}
