package pubsub

import (
	"regexp"
	"strings"
)

// lockChannelPattern matches the lock protocol's reserved sub-channel
// shape: "__<name>__lock__". Anything matching this is control traffic and
// must never reach an application handler.
var lockChannelPattern = regexp.MustCompile(`^__.+__lock__$`)

// isLockChannel reports whether channel is shaped like a reserved
// lock-protocol sub-channel.
func isLockChannel(channel string) bool {
	return lockChannelPattern.MatchString(channel)
}

// channelFromLockChannel inverts lockChannelName, recovering the
// application channel name from its derived sub-channel.
func channelFromLockChannel(lockChannel string) string {
	return strings.TrimSuffix(strings.TrimPrefix(lockChannel, "__"), "__lock__")
}

// router is a pure demultiplexer: it classifies each incoming notification
// as lock-protocol control traffic or application traffic, and for
// application traffic decides, in single-listener mode, whether this
// Session is the designated consumer before decoding and dispatching.
type router struct {
	session *Session
}

func newRouter(s *Session) *router {
	return &router{session: s}
}

// route processes one inbound (channel, payload) notification.
func (r *router) route(channel, payload string) {
	if isLockChannel(channel) {
		r.session.handleLockNotification(channel, payload)
		return
	}
	r.session.handleAppNotification(channel, payload)
}
