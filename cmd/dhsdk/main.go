package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scc-digitalhub/digitalhub-sdk/cmd/dhsdk/commands"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Results go to stdout, logs to stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = commands.Execute(ctx, Version, Commit, BuildDate)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("dhsdk failed")
		os.Exit(commands.ExitCode(err))
	}
}
