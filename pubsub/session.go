package pubsub

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// connState models the Session's connection lifecycle: disconnected,
// connecting, connected, reconnecting after a dropped connection, or
// failed once reconnect attempts are exhausted.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
)

// trackedChannel is the Session's record of one channel's membership in
// the tracked set. lock is nil in multi-listener mode, where the channel
// has no lock semantics at all: its mere presence in the map is enough
// to mark it as tracked.
type trackedChannel struct {
	lock *ChannelLock
}

// Session owns a single database connection, the set of subscribed
// channels, their per-channel Channel Locks, and the reconnect state
// machine. It is the public surface of this package.
type Session struct {
	*emitter

	opts    Options
	pool    *pgxpool.Pool
	ownPool bool
	router  *router

	mu            sync.Mutex
	conn          Conn
	sessionID     string
	channels      map[string]*trackedChannel
	state         connState
	retry         int
	autoReconnect bool
	closed        bool
	destroyed     bool

	loopCancel context.CancelFunc
	closeCh    chan struct{}
	closeOnce  sync.Once

	// dial produces the Conn each (re)connect attempt uses. NewSession sets
	// this to dialPool; NewSessionWithDialer overrides it so tests and
	// offline demonstrations can exercise reconnect and lock arbitration
	// without a live database.
	dial func(ctx context.Context) (Conn, error)
}

// NewSession constructs a cold Session backed by a pgxpool connection pool.
// Call Connect to make it live.
func NewSession(opts Options) *Session {
	s := newSession(opts)
	s.dial = s.dialPool
	return s
}

// NewSessionWithDialer constructs a cold Session that calls dial to obtain
// its Conn on every (re)connect attempt, bypassing pgxpool entirely. It
// exists for tests and offline demonstrations that need to exercise
// reconnect and single-consumer handoff behavior without a live database.
func NewSessionWithDialer(dial func(ctx context.Context) (Conn, error), opts Options) *Session {
	s := newSession(opts)
	s.dial = dial
	return s
}

func newSession(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		emitter:  newEmitter(),
		opts:     opts,
		pool:     opts.Pool,
		channels: make(map[string]*trackedChannel),
		state:    stateDisconnected,
		closeCh:  make(chan struct{}),
	}
	s.router = newRouter(s)
	return s
}

func (s *Session) connString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.opts.User, s.opts.Password),
		Host:   fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Path:   "/" + s.opts.Database,
	}
	return u.String()
}

// dialPool is the default dialer: it builds a connection pool on first use
// (unless Options.Pool supplied one) and checks out one dedicated
// connection from it.
func (s *Session) dialPool(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil {
		cfg, err := pgxpool.ParseConfig(s.connString())
		if err != nil {
			return nil, err
		}
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.pool = pool
		s.ownPool = true
		s.mu.Unlock()
	}

	return acquireConn(ctx, pool)
}

// Connect establishes the connection: acquires (or builds) a pool, checks
// out a dedicated connection for the lifetime of the Session, best-effort
// tags it with a fresh application_name, and starts the notification loop.
// On success it arms auto-reconnect and emits connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == stateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = stateConnecting
	s.mu.Unlock()

	if err := s.connectInternal(ctx); err != nil {
		s.mu.Lock()
		s.state = stateDisconnected
		s.mu.Unlock()
		return &ConnectError{Cause: err}
	}

	s.mu.Lock()
	s.state = stateConnected
	s.autoReconnect = true
	s.mu.Unlock()

	s.emitConnect()
	return nil
}

// connectInternal performs the actual connection work shared by Connect
// and the reconnect loop. It does not touch state or autoReconnect, and it
// does not emit connect: callers decide when that's appropriate.
func (s *Session) connectInternal(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	// SET application_name = $1 is a utility statement and does not take
	// bind parameters under the extended protocol Exec uses; set_config
	// does, and is the mutable equivalent for a session-scoped GUC.
	if _, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", sessionID); err != nil {
		// Best-effort: failing to tag the connection only degrades
		// crash-detection precision, it never breaks correctness.
		s.opts.Logger.Warn("failed to set application_name", "error", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = sessionID
	for _, tc := range s.channels {
		if tc.lock != nil {
			tc.lock.rebind(conn, sessionID)
		}
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.loopCancel = cancel
	s.mu.Unlock()

	go s.notifyLoop(loopCtx, conn)

	return nil
}

// notifyLoop is the Session's single reader of the asynchronous
// notification stream. It runs until its context is canceled (a
// deliberate Close/Destroy) or the connection dies, in which case it hands
// off to onDisconnect.
func (s *Session) notifyLoop(ctx context.Context, conn Conn) {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.onDisconnect(err)
			return
		}
		s.router.route(n.Channel, n.Payload)
	}
}

// onDisconnect handles a dropped or failed connection, whether the read
// loop's WaitForNotification errored out or the driver reported it some
// other way: it always emits error and end and, in single-listener mode,
// releases every held lock first so peers can take over promptly, then
// starts the reconnect loop if auto-reconnect is still armed.
func (s *Session) onDisconnect(cause error) {
	s.mu.Lock()
	if s.destroyed || s.closed {
		s.mu.Unlock()
		return
	}
	armed := s.autoReconnect
	s.state = stateReconnecting
	s.mu.Unlock()

	if s.opts.SingleListener {
		s.releaseAllLocksBestEffort()
	}

	s.emitError(&ConnectError{Cause: cause})

	s.emitEnd()

	if armed {
		go s.reconnectLoop()
	}
}

// releaseAllLocksBestEffort marks every held lock as released in memory,
// so ActiveChannels reflects the disconnect immediately, and attempts to
// tell the database too, though the connection backing those queries is
// already the one that just died.
func (s *Session) releaseAllLocksBestEffort() {
	s.mu.Lock()
	locks := make([]*ChannelLock, 0, len(s.channels))
	for _, tc := range s.channels {
		if tc.lock != nil {
			locks = append(locks, tc.lock)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, l := range locks {
		_ = l.Release(ctx)
	}
}

// reconnectLoop implements the Connected -> Reconnecting -> {Connected,
// Failed} transitions. It sleeps for RetryDelay, cancellable by Close via
// closeCh, before each attempt.
func (s *Session) reconnectLoop() {
	for {
		select {
		case <-time.After(s.opts.RetryDelay):
		case <-s.closeCh:
			return
		}

		s.mu.Lock()
		if !s.autoReconnect {
			s.mu.Unlock()
			return
		}
		s.retry++
		retry := s.retry
		limit := s.opts.RetryLimit
		s.mu.Unlock()

		if err := s.connectInternal(context.Background()); err != nil {
			s.opts.Logger.Warn("reconnect attempt failed", "attempt", retry, "error", err)
			if retry >= limit {
				s.emitError(&RetryExhaustedError{Retries: retry})
				_ = s.Close(context.Background())
				s.mu.Lock()
				s.state = stateFailed
				s.mu.Unlock()
				return
			}
			continue
		}

		s.mu.Lock()
		s.state = stateConnected
		s.mu.Unlock()

		s.emitConnect()
		s.postReconnectHook()
		return
	}
}

// postReconnectHook concurrently re-drives every tracked channel through
// its acquisition path, then emits exactly one reconnect and resets retry.
func (s *Session) postReconnectHook() {
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := s.Listen(context.Background(), channel); err != nil {
				s.opts.Logger.Warn("re-listen after reconnect failed", "channel", channel, "error", err)
			}
		}(c)
	}
	wg.Wait()

	s.mu.Lock()
	retry := s.retry
	s.retry = 0
	s.mu.Unlock()

	s.emitReconnect(retry)
}

// Close unregisters auto-reconnect, ends the connection, and emits close.
// It does not destroy any Channel Locks. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.autoReconnect = false
	conn := s.conn
	s.conn = nil
	loopCancel := s.loopCancel
	s.state = stateDisconnected
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closeCh) })

	if loopCancel != nil {
		loopCancel()
	}
	if conn != nil {
		_ = conn.Close(ctx)
	}

	s.emitClose()
	return nil
}

// Destroy runs Close and the Channel Lock global teardown concurrently,
// clears all registered listeners, and leaves the Session unusable.
// Idempotent.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	locks := make([]*ChannelLock, 0, len(s.channels))
	for _, tc := range s.channels {
		if tc.lock != nil {
			locks = append(locks, tc.lock)
		}
	}
	ownPool := s.ownPool
	pool := s.pool
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	var closeErr error
	go func() {
		defer wg.Done()
		closeErr = s.Close(ctx)
	}()
	go func() {
		defer wg.Done()
		for _, l := range locks {
			_ = l.Destroy(ctx)
		}
		DestroyAllLocks()
	}()
	wg.Wait()

	s.emitter.reset()

	if ownPool && pool != nil {
		pool.Close()
	}

	return closeErr
}

// Listen subscribes to channel. In single-listener mode this obtains or
// creates the channel's ChannelLock and attempts acquisition; the LISTEN
// is only issued, and the listen event only emitted, if acquisition
// succeeded. Otherwise the channel is tracked as pending and its lock's
// OnRelease callback will retry. In multi-listener mode LISTEN is issued
// unconditionally.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if isLockChannel(channel) {
		return ErrReservedChannel
	}

	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	sessionID := s.sessionID
	singleListener := s.opts.SingleListener
	interval := s.opts.AcquireInterval
	logger := s.opts.Logger

	tc, exists := s.channels[channel]
	if !exists {
		tc = &trackedChannel{}
		if singleListener {
			tc.lock = newChannelLock(channel, sessionID, conn, interval, logger)
			tc.lock.OnRelease(func(ch string) { s.retryListen(ch) })
		}
		s.channels[channel] = tc
	}
	s.mu.Unlock()

	if conn == nil {
		return ErrClosed
	}

	if !singleListener {
		if _, err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(channel)); err != nil {
			return &QueryError{Op: "listen", Cause: err}
		}
		s.emitListen(channel)
		return nil
	}

	if err := tc.lock.Init(ctx); err != nil {
		return err
	}

	ok, err := tc.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(channel)); err != nil {
		return &QueryError{Op: "listen", Cause: err}
	}
	s.emitListen(channel)
	return nil
}

// retryListen re-drives Listen for channel if it's still tracked. It's the
// callback ChannelLock.OnRelease and the shared probe ticker invoke; if
// Unlisten already removed the channel by the time this fires, it's a
// no-op rather than resurrecting the tracked-channel entry.
func (s *Session) retryListen(channel string) {
	s.mu.Lock()
	_, tracked := s.channels[channel]
	s.mu.Unlock()
	if !tracked {
		return
	}
	if err := s.Listen(context.Background(), channel); err != nil {
		s.opts.Logger.Warn("retry listen failed", "channel", channel, "error", err)
	}
}

// Unlisten issues UNLISTEN for channel, releases and destroys its lock (in
// single-listener mode), forgets the channel, and emits unlisten with a
// single-element channel list.
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	tc, exists := s.channels[channel]
	conn := s.conn
	if !exists {
		s.mu.Unlock()
		return ErrNotListening
	}
	delete(s.channels, channel)
	s.mu.Unlock()

	s.dropChannel(channel)

	var opErr error
	if conn != nil {
		if _, err := conn.Exec(ctx, "UNLISTEN "+quoteIdentifier(channel)); err != nil {
			opErr = &QueryError{Op: "unlisten", Cause: err}
		}
	}

	if tc.lock != nil {
		if err := tc.lock.Destroy(ctx); err != nil && opErr == nil {
			opErr = err
		}
	}

	s.emitUnlisten([]string{channel})
	return opErr
}

// UnlistenAll issues UNLISTEN * and releases and destroys every tracked
// channel's lock (or, in multi-listener mode, simply forgets every
// channel). The emitted channel list is the set of channels that were
// actually unlistened, captured before the tracked-channel map is
// cleared rather than read back afterward, so the event always reports
// what was actually dropped instead of an empty list.
func (s *Session) UnlistenAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	channels := make([]string, 0, len(s.channels))
	locks := make([]*ChannelLock, 0, len(s.channels))
	for c, tc := range s.channels {
		channels = append(channels, c)
		if tc.lock != nil {
			locks = append(locks, tc.lock)
		}
	}
	conn := s.conn
	s.channels = make(map[string]*trackedChannel)
	s.mu.Unlock()

	for _, c := range channels {
		s.dropChannel(c)
	}

	var opErr error
	if conn != nil {
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			opErr = &QueryError{Op: "unlisten all", Cause: err}
		}
	}
	for _, l := range locks {
		if err := l.Destroy(ctx); err != nil && opErr == nil {
			opErr = err
		}
	}

	s.emitUnlisten(channels)
	return opErr
}

// Notify publishes payload on channel via pg_notify, passed as bind
// parameters rather than hand-quoted, which is safer than manual literal
// quoting. A pack failure is handled per Options.StrictEncodeErrors.
func (s *Session) Notify(ctx context.Context, channel string, payload any) error {
	if isLockChannel(channel) {
		return ErrReservedChannel
	}

	s.mu.Lock()
	if s.closed || s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	strict := s.opts.StrictEncodeErrors
	logger := s.opts.Logger
	s.mu.Unlock()

	if conn == nil {
		return ErrClosed
	}

	encoded, err := pack(payload)
	if err != nil {
		if strict {
			return &QueryError{Op: "notify encode", Cause: err}
		}
		logger.Warn("pack failed, publishing empty payload", "channel", channel, "error", err)
		encoded = ""
	}

	if _, err := conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, encoded); err != nil {
		return &QueryError{Op: "notify", Cause: err}
	}
	return nil
}

// handleAppNotification routes application traffic: in single-listener
// mode, drop unless this Session is the designated consumer; otherwise
// decode and dispatch, or emit a DecodeError.
func (s *Session) handleAppNotification(channel, payload string) {
	s.mu.Lock()
	tc, tracked := s.channels[channel]
	singleListener := s.opts.SingleListener
	s.mu.Unlock()

	if singleListener {
		if !tracked || tc.lock == nil || !tc.lock.IsAcquired() {
			return
		}
	}

	val, err := unpack(payload)
	if err != nil {
		s.emitError(&DecodeError{Channel: channel, Raw: payload, Cause: err})
		return
	}

	s.emitMessage(channel, val)
}

// handleLockNotification routes control traffic: forward the release
// notification to the corresponding ChannelLock, if this Session is
// tracking it, without ever surfacing it as a message.
func (s *Session) handleLockNotification(lockChannel, _ string) {
	channel := channelFromLockChannel(lockChannel)
	s.mu.Lock()
	tc, tracked := s.channels[channel]
	s.mu.Unlock()
	if !tracked || tc.lock == nil {
		return
	}
	tc.lock.notifyRelease()
}

// ActiveChannels returns every channel currently known-active: LISTEN is
// in force (always true in multi-listener mode; gated on IsAcquired in
// single-listener mode).
func (s *Session) ActiveChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c, tc := range s.channels {
		if tc.lock == nil || tc.lock.IsAcquired() {
			out = append(out, c)
		}
	}
	return out
}

// InactiveChannels returns every channel currently known-inactive: tracked,
// but its lock is pending. Always empty in multi-listener mode.
func (s *Session) InactiveChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c, tc := range s.channels {
		if tc.lock != nil && !tc.lock.IsAcquired() {
			out = append(out, c)
		}
	}
	return out
}

// AllChannels returns every tracked channel regardless of state.
func (s *Session) AllChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}
