// Command pgpubsubd is a small daemon around a Session: it loads its
// connection and policy settings from the environment, connects, listens on
// every channel named on the command line, and logs activity until
// interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DonsWayo/pg-pubsub/config"
	"github.com/DonsWayo/pg-pubsub/pubsub"
)

type daemonConfig struct {
	Host     string `default:"localhost"`
	Port     int    `default:"5432"`
	Database string `env:"PGDATABASE"`
	User     string `env:"PGUSER"`
	Password string `env:"PGPASSWORD"`

	SingleListener  bool          `default:"true"`
	RetryLimit      int           `default:"5"`
	RetryDelay      time.Duration `default:"5s"`
	AcquireInterval time.Duration `default:"2s"`
}

func main() {
	log := slog.Default()

	var cfg daemonConfig
	if _, err := config.Parse(&cfg, config.Options{}); err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	channels := os.Args[1:]
	if len(channels) == 0 {
		log.Error("usage: pgpubsubd CHANNEL [CHANNEL ...]")
		os.Exit(1)
	}

	sess := pubsub.NewSession(pubsub.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Database:        cfg.Database,
		User:            cfg.User,
		Password:        cfg.Password,
		SingleListener:  cfg.SingleListener,
		RetryLimit:      cfg.RetryLimit,
		RetryDelay:      cfg.RetryDelay,
		AcquireInterval: cfg.AcquireInterval,
		Logger:          log,
	})

	sess.OnConnect(func() { log.Info("connected") })
	sess.OnEnd(func() { log.Warn("connection lost") })
	sess.OnReconnect(func(retry int) { log.Info("reconnected", "attempts", retry) })
	sess.OnListen(func(channel string) { log.Info("listening", "channel", channel) })
	sess.OnUnlisten(func(channels []string) { log.Info("unlistened", "channels", channels) })
	sess.OnError(func(err error) { log.Error("session error", "error", err) })
	sess.OnMessage(func(channel string, payload any) {
		log.Info("notification", "channel", channel, "payload", payload)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		log.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	for _, channel := range channels {
		if err := sess.Listen(ctx, channel); err != nil {
			log.Error("failed to listen", "channel", channel, "error", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sess.Destroy(shutdownCtx)
	pubsub.DestroyAllLocks()
}
