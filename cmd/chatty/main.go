// Command chatty runs the chat server: it loads a configuration file,
// binds the Unix domain socket named within it, and serves clients until
// an interrupt or termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"chatty/internal/chatserver"
	"chatty/internal/config"
	"chatty/internal/logging"
)

func main() {
	var configPath = flag.String("f", "", "path to the server configuration file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: chatty -f <config-file>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatty: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	srv, err := chatserver.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				logger.Info().Msg("stats dump requested")
				srv.RequestStatsDump()
			default:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
				return
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}
