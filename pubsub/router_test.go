package pubsub

import "testing"

func TestIsLockChannel(t *testing.T) {
	cases := []struct {
		channel string
		want    bool
	}{
		{"orders", false},
		{"__orders__lock__", true},
		{"__lock__", false},
		{"orders__lock__", false},
		{"__orders__lock", false},
	}
	for _, c := range cases {
		if got := isLockChannel(c.channel); got != c.want {
			t.Errorf("isLockChannel(%q): wanted %v, got %v", c.channel, c.want, got)
		}
	}
}

func TestChannelFromLockChannel(t *testing.T) {
	if got := channelFromLockChannel(lockChannelName("orders")); got != "orders" {
		t.Errorf("wanted %q, got %q", "orders", got)
	}
}

func TestRouteDispatchesByChannelShape(t *testing.T) {
	b := newFakeBroker()
	opts := testOptions()
	opts.SingleListener = false
	sess, _ := newTestSession(b, opts)

	var gotApp bool
	sess.OnMessage(func(string, any) { gotApp = true })

	sess.router.route("orders", `"hello"`)
	if !gotApp {
		t.Error("application channel notification did not reach handleAppNotification")
	}

	// A lock-shaped channel must never trigger the message emitter, and
	// must not panic even for a channel this session isn't tracking.
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("routing an untracked lock notification panicked: %v", r)
			}
		}()
		sess.router.route("__orders__lock__", `{}`)
	}()
}
