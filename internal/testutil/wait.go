// Package testutil holds helpers shared by tests that bound
// asynchronous work.
package testutil

import (
	"testing"
	"time"
)

const DefaultWait = 5 * time.Second

// WithTimeout fails the test if fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultWait
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
