package pubsub

import (
	"testing"
	"time"
)

// waitFor polls cond until it returns true or timeout elapses, failing t if
// it never does. Needed throughout this package's tests because
// notification delivery, reconnects, and lock arbitration all happen on
// background goroutines.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
