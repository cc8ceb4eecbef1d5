// Command irisbot is a minimal example bot: it echoes pings, greets new
// members, and logs handler failures.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/irisbot/irisgo"
	"github.com/irisbot/irisgo/emitter"
)

const drainTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := irisgo.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	bot, err := irisgo.New(cfg, log)
	if err != nil {
		log.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	register(log, bot.On("message", func(chat *irisgo.ChatContext) error {
		if chat.Message.Command == "!ping" {
			return chat.Reply(context.Background(), "pong")
		}
		return nil
	}))

	register(log, bot.On("new_member", func(chat *irisgo.ChatContext) error {
		name, ok := chat.Sender.Name(context.Background())
		if !ok {
			name = "there"
		}
		return chat.Reply(context.Background(), "Welcome, "+name+"!")
	}))

	register(log, bot.OnError(func(ev *emitter.ErrorEvent) error {
		log.Error("handler failed", "topic", string(ev.Topic), "handler", ev.Handler, "error", ev.Err)
		return nil
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("bot stopped", "error", err)
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := bot.Drain(drainCtx); err != nil {
		log.Warn("shutdown with handlers still in flight", "error", err)
	}
}

func register(log *slog.Logger, err error) {
	if err != nil {
		log.Error("handler registration failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
