package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/internal/config"
	"github.com/spidey52/api-logs/internal/replay"
)

var errRejected = errors.New("exporter rejected entry")

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fs := config.Flags("apilog-replay")
	file := fs.String("file", "-", "NDJSON file of log entries, - for stdin")
	single := fs.Bool("single", false, "post entries one by one to /logs instead of batching")
	timeout := fs.Duration("timeout", 30*time.Second, "upper bound for the final flush")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("parse flags")
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatal().Err(err).Msg("could not load .env")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatal().Err(err).Msg("open input")
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var st replay.Stats
	if *single {
		st, err = replaySingle(ctx, cfg.Exporter, in, logger)
	} else {
		st, err = replayBatched(ctx, cfg.Exporter, in, logger)
	}
	logger.Info().
		Int("lines", st.Lines).
		Int("accepted", st.Accepted).
		Int("skipped", st.Skipped).
		Msg("replay finished")
	if err != nil {
		logger.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
}

func replayBatched(ctx context.Context, cfg apilog.Config, in io.Reader, logger zerolog.Logger) (replay.Stats, error) {
	exp, err := apilog.New(cfg, &apilog.Options{Logger: &logger})
	if err != nil {
		return replay.Stats{}, err
	}
	st, readErr := replay.Read(in, logger, func(e apilog.LogEntry) error {
		if !exp.Log(e) {
			return errRejected
		}
		return nil
	})
	return st, errors.Join(readErr, exp.Shutdown(ctx))
}

func replaySingle(ctx context.Context, cfg apilog.Config, in io.Reader, logger zerolog.Logger) (replay.Stats, error) {
	if err := cfg.Validate(); err != nil {
		return replay.Stats{}, err
	}
	tr := apilog.NewHTTPTransport(apilog.TransportConfig{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Timeout:    cfg.RequestTimeout,
		Compress:   cfg.Compress,
	}, logger)
	target := apilog.Target{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), APIKey: cfg.APIKey, Environment: cfg.Environment}
	return replay.Read(in, logger, func(e apilog.LogEntry) error {
		return tr.SendEntry(ctx, target, e)
	})
}
