package pubsub

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the minimal database driver surface the Session and ChannelLock
// require: DDL/DML for the lock protocol, LISTEN/UNLISTEN issued as plain
// statements (they take no bind parameters), NOTIFY via pg_notify, and the
// asynchronous notification stream. Session owns exactly one Conn at a time
// (each reconnect dials a fresh one); ChannelLock reuses that same Conn so that its
// session-scoped liveness evidence (application_name) is automatically
// invalidated when the connection dies.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// poolConn adapts a pooled pgx connection to Conn, releasing it back to the
// pool (rather than closing the physical socket) on Close.
type poolConn struct {
	pc *pgxpool.Conn
}

// acquireConn checks out a dedicated connection from pool for the lifetime
// of a Session. The pool itself may be shared; the checked-out connection
// is not.
func acquireConn(ctx context.Context, pool *pgxpool.Pool) (*poolConn, error) {
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &poolConn{pc: pc}, nil
}

func (c *poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.pc.Exec(ctx, sql, args...)
}

func (c *poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.pc.Conn().WaitForNotification(ctx)
}

func (c *poolConn) Close(_ context.Context) error {
	c.pc.Release()
	return nil
}

// quoteIdentifier renders a channel name safely for use in a LISTEN or
// UNLISTEN statement, which accept no bind parameters.
func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
