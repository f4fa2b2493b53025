package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/spidey52/api-logs/internal/config"
	"github.com/spidey52/api-logs/internal/server"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fs := config.Flags("apilog-demo")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("parse flags")
	}

	envFile, _ := fs.GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Fatal().Err(err).Str("file", envFile).Msg("could not load env file")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Primary.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, server.Options{Logger: &logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build server")
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}
