package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeBroker stands in for the pieces of Postgres this package touches: the
// shared lock table, pg_stat_activity's liveness view, and LISTEN/NOTIFY
// fan-out. Every fakeConn dialed against the same broker behaves as if it
// were a separate backend connection to the same database.
type fakeBroker struct {
	mu    sync.Mutex
	rows  map[int64]string
	alive map[string]bool
	subs  map[string]map[*fakeConn]struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		rows:  make(map[int64]string),
		alive: make(map[string]bool),
		subs:  make(map[string]map[*fakeConn]struct{}),
	}
}

func (b *fakeBroker) tryAcquire(hash int64, holder string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, held := b.rows[hash]
	if !held || current == holder || !b.alive[current] {
		b.rows[hash] = holder
		return true
	}
	return false
}

func (b *fakeBroker) release(hash int64, holder string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rows[hash] == holder {
		delete(b.rows, hash)
	}
}

func (b *fakeBroker) markDead(holder string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive[holder] = false
}

func (b *fakeBroker) subscribe(channel string, c *fakeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*fakeConn]struct{})
	}
	b.subs[channel][c] = struct{}{}
}

func (b *fakeBroker) unsubscribe(channel string, c *fakeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], c)
}

func (b *fakeBroker) unsubscribeAll(c *fakeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		delete(set, c)
	}
}

// unquoteIdentifier inverts pgx.Identifier.Sanitize's double-quoting so the
// fake can key its subscription table on the same plain channel name
// pg_notify's bind parameter uses.
func unquoteIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func (b *fakeBroker) publish(channel, payload string) {
	b.mu.Lock()
	targets := make([]*fakeConn, 0, len(b.subs[channel]))
	for c := range b.subs[channel] {
		targets = append(targets, c)
	}
	b.mu.Unlock()
	for _, c := range targets {
		select {
		case c.inbox <- &pgconn.Notification{Channel: channel, Payload: payload}:
		default:
		}
	}
}

// fakeConn implements Conn against a fakeBroker. It supports two testing
// hooks: forcing every Exec to fail (deadExec) and forcing
// WaitForNotification, including a call already blocked in it, to return
// an error (breakWait, killed), used to simulate a dropped connection
// without tearing down the broker's shared state.
type fakeConn struct {
	b       *fakeBroker
	appName string
	inbox   chan *pgconn.Notification
	closed  chan struct{}
	killed  chan struct{}

	mu        sync.Mutex
	deadExec  bool
	breakWait bool
}

func newFakeConn(b *fakeBroker) *fakeConn {
	return &fakeConn{b: b, inbox: make(chan *pgconn.Notification, 32), closed: make(chan struct{}), killed: make(chan struct{})}
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	if !c.breakWait {
		close(c.killed)
	}
	c.deadExec = true
	c.breakWait = true
	c.mu.Unlock()
	c.b.mu.Lock()
	c.b.alive[c.appName] = false
	c.b.mu.Unlock()
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	dead := c.deadExec
	c.mu.Unlock()
	if dead {
		return pgconn.CommandTag{}, errors.New("fakeconn: connection dead")
	}

	switch {
	case strings.Contains(sql, "set_config"):
		c.appName = args[0].(string)
		c.b.mu.Lock()
		c.b.alive[c.appName] = true
		c.b.mu.Unlock()

	case strings.Contains(sql, "CREATE TABLE"):
		// no-op: the fake has no schema to create

	case strings.HasPrefix(sql, "LISTEN "):
		c.b.subscribe(unquoteIdentifier(strings.TrimPrefix(sql, "LISTEN ")), c)

	case strings.HasPrefix(sql, "UNLISTEN"):
		target := strings.TrimSpace(strings.TrimPrefix(sql, "UNLISTEN"))
		if target == "*" || target == "" {
			c.b.unsubscribeAll(c)
		} else {
			c.b.unsubscribe(unquoteIdentifier(target), c)
		}

	case strings.Contains(sql, "ON CONFLICT"):
		hash, holder := args[0].(int64), args[2].(string)
		if c.b.tryAcquire(hash, holder) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil

	case strings.Contains(sql, "DELETE FROM"):
		hash, holder := args[0].(int64), args[1].(string)
		c.b.release(hash, holder)

	case strings.Contains(sql, "pg_notify"):
		c.b.publish(args[0].(string), args[1].(string))
	}
	return pgconn.NewCommandTag(""), nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	broken := c.breakWait
	c.mu.Unlock()
	if broken {
		return nil, errors.New("fakeconn: connection dead")
	}

	select {
	case n := <-c.inbox:
		return n, nil
	case <-c.killed:
		return nil, errors.New("fakeconn: connection dead")
	case <-c.closed:
		return nil, errors.New("fakeconn: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(_ context.Context) error {
	c.b.mu.Lock()
	c.b.alive[c.appName] = false
	c.b.mu.Unlock()
	close(c.closed)
	return nil
}

// dialer returns a Session dial function that hands out a fresh fakeConn
// bound to b on every call, capturing the most recently dialed connection
// in *lastConn so tests can reach in and simulate a disconnect.
func dialer(b *fakeBroker, lastConn **fakeConn) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) {
		c := newFakeConn(b)
		*lastConn = c
		return c, nil
	}
}
