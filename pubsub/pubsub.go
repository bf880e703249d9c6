// Package pubsub provides a reliable publish-subscribe client built on top
// of PostgreSQL's LISTEN/NOTIFY facility.
//
// A Session owns a single database connection, the set of subscribed
// channels, and (in single-listener mode) a per-channel ChannelLock that
// arbitrates so that, across an arbitrary number of competing processes,
// only one Session at a time acts on notifications for a given channel.
// When the current holder disconnects or crashes, a waiting Session takes
// over automatically, bounded by the configured acquire interval plus the
// database's own session-cleanup delay.
//
// Postgres NOTIFY delivers only to currently connected listeners: there is
// no persistence, no replay, and no fairness guarantee across channels.
// Callers that need durability should layer it on top.
package pubsub

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Logger is the logging sink Session and ChannelLock write through. It is
// satisfied directly by *slog.Logger; callers already standardized on
// another structured logger need only wrap it in a few lines.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Options configures a Session.
type Options struct {
	// SingleListener enables single-consumer arbitration via ChannelLock.
	// Its zero value is false (multi-listener): a bare Options{} literal
	// does not get single-listener mode for free the way it does the
	// numeric defaults below. Start from DefaultOptions() rather than a
	// struct literal if you want the arbitrated behavior.
	SingleListener bool

	// RetryLimit is the maximum number of consecutive reconnect attempts
	// before the Session gives up and closes itself. Must be >= 1.
	RetryLimit int

	// RetryDelay is the delay between reconnect attempts.
	RetryDelay time.Duration

	// AcquireInterval is the ChannelLock re-acquisition probe period.
	AcquireInterval time.Duration

	// Pool, if set, is used in place of a freshly constructed connection
	// pool. The caller retains ownership and must close it themselves.
	Pool *pgxpool.Pool

	// Host, Port, Database, User, and Password build a connection pool
	// when Pool is nil.
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// StrictEncodeErrors, when true, makes Notify return a pack failure to
	// the caller instead of logging it and publishing an empty payload.
	StrictEncodeErrors bool

	// Logger receives info/warn/error lines. Defaults to slog.Default().
	Logger Logger
}

// DefaultOptions returns the recognized defaults: single-listener mode
// enabled, five reconnect attempts spaced five seconds apart, and a
// two-second lock probe interval.
func DefaultOptions() Options {
	return Options{
		SingleListener:  true,
		RetryLimit:      5,
		RetryDelay:      5 * time.Second,
		AcquireInterval: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RetryLimit <= 0 {
		o.RetryLimit = def.RetryLimit
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.AcquireInterval <= 0 {
		o.AcquireInterval = def.AcquireInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
