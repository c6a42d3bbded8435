// Package fakelistener provides a challenge listener that records the
// notifications it receives.
package fakelistener

import "sync"

type FakeListener struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	events    []string
}

func New() *FakeListener {
	return &FakeListener{}
}

func (l *FakeListener) ChallengeSucceeded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.succeeded++
	l.events = append(l.events, "succeeded")
}

func (l *FakeListener) ChallengeFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failed++
	l.events = append(l.events, "failed")
}

// Counts returns the number of success and failure notifications.
func (l *FakeListener) Counts() (succeeded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.succeeded, l.failed
}

// Events returns the notifications in the order they arrived.
func (l *FakeListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.events...)
}
