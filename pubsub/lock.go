package pubsub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// lockTable is the shared, process-wide table backing every ChannelLock.
// One row exists per currently-held channel. It uses a hash-keyed table
// idiom: a stable hash serves as the primary
// key so lookups don't depend on B-tree comparisons over arbitrarily
// long channel names, and the real channel name is kept alongside it
// for collision safety and introspection.
const lockTable = `pgpubsub_channel_locks`

const createLockTableSQL = `
CREATE TABLE IF NOT EXISTS ` + lockTable + ` (
	channel_hash BIGINT PRIMARY KEY,
	channel      TEXT NOT NULL,
	holder       TEXT NOT NULL,
	acquired_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// hashChannel derives the table's primary key from a channel name using
// 64-bit FNV-1a.
func hashChannel(channel string) int64 {
	h := fnv.New64a()
	h.Write([]byte(channel))
	return int64(h.Sum64())
}

// lockChannelName derives the reserved sub-channel used to announce
// releases: "__<channel>__lock__". It matches the router's reserved-shape
// regular expression by construction.
func lockChannelName(channel string) string {
	return "__" + channel + "__lock__"
}

// ChannelLock is a distributed mutex, keyed by channel name and backed by
// the shared database, that arbitrates single-consumer access to a
// channel across every process connected to that database.
//
// A ChannelLock reuses its owning Session's connection for every protocol
// query. That's deliberate: it's what makes crash detection automatic.
// When the connection dies, the session-scoped liveness evidence backing
// this lock's row disappears with it, from every peer's point of view.
type ChannelLock struct {
	mu          sync.Mutex
	channel     string
	lockChannel string
	sessionID   string
	conn        Conn
	interval    time.Duration
	log         Logger

	// tableEnsured survives reconnects: the shared table doesn't need
	// re-creating just because the connection changed.
	tableEnsured bool
	// listening does not survive reconnects: LISTEN is connection-scoped,
	// so a rebind onto a fresh connection must reissue it.
	listening bool
	acquired  bool
	destroyed bool

	onReleaseCbs []func(channel string)
}

// newChannelLock constructs a lock for channel, bound to conn and
// identified by sessionID (the Session's application_name). It is not yet
// registered with the shared probe registry; call Init for that.
func newChannelLock(channel, sessionID string, conn Conn, interval time.Duration, log Logger) *ChannelLock {
	return &ChannelLock{
		channel:     channel,
		lockChannel: lockChannelName(channel),
		sessionID:   sessionID,
		conn:        conn,
		interval:    interval,
		log:         log,
	}
}

// rebind points the lock at a freshly (re)connected Conn and the Session's
// new application_name. Locks survive reconnects, but LISTEN and
// acquisition are both connection-scoped, so both must be re-established
// on the new connection: the next Init reissues the LISTEN and the next
// Acquire re-claims the row.
func (l *ChannelLock) rebind(conn Conn, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.sessionID = sessionID
	l.acquired = false
	l.listening = false
}

// Init idempotently ensures the shared lock table exists and that this
// lock is LISTENing on its reserved release-notification sub-channel on
// its current connection, then registers the lock with the shared probe
// ticker. Safe to call repeatedly, including after rebind.
func (l *ChannelLock) Init(ctx context.Context) error {
	l.mu.Lock()
	needTable := !l.tableEnsured
	needListen := !l.listening
	l.mu.Unlock()

	if needTable {
		if _, err := l.conn.Exec(ctx, createLockTableSQL); err != nil {
			return &LockSetupError{Channel: l.channel, Cause: err}
		}
		l.mu.Lock()
		l.tableEnsured = true
		l.mu.Unlock()
	}

	if needListen {
		if _, err := l.conn.Exec(ctx, "LISTEN "+quoteIdentifier(l.lockChannel)); err != nil {
			return &LockSetupError{Channel: l.channel, Cause: err}
		}
		l.mu.Lock()
		l.listening = true
		l.mu.Unlock()
	}

	globalLockRegistry.register(l)
	return nil
}

// Acquire attempts to become the current holder. It never blocks beyond a
// single database round trip. Calling Acquire while already the holder is
// a no-op that returns true.
func (l *ChannelLock) Acquire(ctx context.Context) (bool, error) {
	return l.tryAcquire(ctx)
}

// tryAcquire runs the atomic claim: an upsert that only succeeds when no
// row exists for this channel, or the existing row's holder no longer
// corresponds to a connected database session. The WHERE clause on the
// conflict branch is what makes this safe against crashed holders without
// requiring cooperative release: pg_stat_activity is the database's own
// bookkeeping, not anything this protocol maintains.
func (l *ChannelLock) tryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.acquired {
		l.mu.Unlock()
		return true, nil
	}
	if l.destroyed {
		l.mu.Unlock()
		return false, ErrClosed
	}
	l.mu.Unlock()

	tag, err := l.conn.Exec(ctx, `
		INSERT INTO `+lockTable+` (channel_hash, channel, holder, acquired_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (channel_hash) DO UPDATE
		SET holder = EXCLUDED.holder, acquired_at = now()
		WHERE `+lockTable+`.holder = EXCLUDED.holder
		   OR NOT EXISTS (
			SELECT 1 FROM pg_stat_activity
			WHERE application_name = `+lockTable+`.holder
		)`,
		hashChannel(l.channel), l.channel, l.sessionID)
	if err != nil {
		return false, &QueryError{Op: "channel lock acquire", Cause: err}
	}

	won := tag.RowsAffected() == 1

	l.mu.Lock()
	if won {
		l.acquired = true
	}
	l.mu.Unlock()

	return won, nil
}

// Release relinquishes the lock if held, deletes its row, and notifies
// waiters on the derived sub-channel so they can race for acquisition
// immediately instead of waiting out the next probe tick. No-op when not
// held.
func (l *ChannelLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.acquired {
		l.mu.Unlock()
		return nil
	}
	l.acquired = false
	l.mu.Unlock()

	if _, err := l.conn.Exec(ctx,
		`DELETE FROM `+lockTable+` WHERE channel_hash = $1 AND holder = $2`,
		hashChannel(l.channel), l.sessionID); err != nil {
		return &QueryError{Op: "channel lock release", Cause: err}
	}

	payload, _ := pack(map[string]string{"channel": l.channel, "holder": l.sessionID})
	if _, err := l.conn.Exec(ctx, "SELECT pg_notify($1, $2)", l.lockChannel, payload); err != nil {
		return &QueryError{Op: "channel lock release notify", Cause: err}
	}
	return nil
}

// IsAcquired reports the cached acquisition state; it does not round-trip
// to the database.
func (l *ChannelLock) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// OnRelease registers cb to be invoked, once per observed release event
// for this channel, with the channel name as its argument. It also fires
// on every probe tick while the lock is unheld, so a Session's retry path
// converges even if a release notification is dropped.
func (l *ChannelLock) OnRelease(cb func(channel string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReleaseCbs = append(l.onReleaseCbs, cb)
}

// notifyRelease is invoked by the router when a notification arrives on
// this lock's reserved sub-channel (own release or a peer's).
func (l *ChannelLock) notifyRelease() {
	l.mu.Lock()
	cbs := append([]func(string){}, l.onReleaseCbs...)
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(l.channel)
	}
}

// probeTick is invoked by the shared registry's ticker. It is a no-op if
// the lock already holds acquisition; otherwise it re-runs the same
// callback chain a release notification would, so a missed NOTIFY still
// converges within one interval.
func (l *ChannelLock) probeTick() {
	if l.IsAcquired() {
		return
	}
	l.notifyRelease()
}

// Destroy releases the lock if held, deregisters it from the shared probe
// registry, and clears its callbacks. It does not drop the shared table:
// that's process-wide infrastructure other locks still need.
func (l *ChannelLock) Destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	l.mu.Unlock()

	globalLockRegistry.unregister(l)

	err := l.Release(ctx)

	l.mu.Lock()
	l.onReleaseCbs = nil
	l.mu.Unlock()

	return err
}

// registry is the process-wide singleton backing the package-level
// DestroyAllLocks static teardown. One shared ticker drives every
// registered ChannelLock's probe instead of one timer per lock: a
// process holding many channel locks should not pay for that many
// background timers.
type registry struct {
	mu      sync.Mutex
	locks   map[*ChannelLock]struct{}
	ticker  *time.Ticker
	stop    chan struct{}
	running bool
}

var globalLockRegistry = &registry{locks: make(map[*ChannelLock]struct{})}

func (r *registry) register(l *ChannelLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.locks[l] = struct{}{}

	if !r.running {
		r.running = true
		r.stop = make(chan struct{})
		r.ticker = time.NewTicker(l.interval)
		go r.loop(r.ticker, r.stop)
	}
}

func (r *registry) unregister(l *ChannelLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, l)
}

func (r *registry) loop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			locks := make([]*ChannelLock, 0, len(r.locks))
			for l := range r.locks {
				locks = append(locks, l)
			}
			r.mu.Unlock()
			for _, l := range locks {
				l.probeTick()
			}
		case <-stop:
			return
		}
	}
}

// destroy tears down the shared ticker and registry. Idempotent.
func (r *registry) destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.running = false
	r.locks = make(map[*ChannelLock]struct{})
}

// DestroyAllLocks tears down process-wide ChannelLock bookkeeping: the
// shared probe ticker and the registry of live locks. It is the
// package-level analog of a static ChannelLock.destroy(), and is
// idempotent. It does not release any individual lock's row; Session's
// Destroy releases its own locks first.
func DestroyAllLocks() {
	globalLockRegistry.destroy()
}
