// Command paysyncd receives billing provider webhooks and keeps user
// entitlements in sync with them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/paysync/internal/config"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	zlog := newZerolog(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to start paysyncd")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		zlog.Error().Err(err).Msg("paysyncd stopped with error")
		a.close()
		os.Exit(1)
	}
	zlog.Info().Msg("paysyncd stopped")
}

func newZerolog(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "paysyncd").Logger()
}
