// Package authgate implements the anti-bruteforce gate that sits in front
// of the session's credential check: a per-IP FailureCounter combined with
// a pluggable verification backend.
package authgate

import (
	"errors"
	"sync"
	"time"
)

// Outcome is the result of a Verify call.
type Outcome int

// Possible outcomes of a Verify call.
const (
	OutcomeSuccess Outcome = iota
	OutcomeBadCredentials
	OutcomeBlocked
)

// ErrBlocked is returned when a peer IP is currently locked out.
var ErrBlocked = errors.New("authgate: peer is temporarily blocked")

// Verifier is the function shape of a credential check for a given peer IP.
// Gate itself takes a Backend (see BackendFunc to adapt a function); this
// package never picks a backend itself.
type Verifier func(user, pass, peerIP string) error

// Backend is implemented by anything that can verify credentials. It exists
// so callers can swap backends (local table, PAM) without changing Gate.
type Backend interface {
	Verify(user, pass, peerIP string) error
}

// BackendFunc adapts a plain function to Backend.
type BackendFunc func(user, pass, peerIP string) error

// Verify implements Backend.
func (f BackendFunc) Verify(user, pass, peerIP string) error { return f(user, pass, peerIP) }

type failureEntry struct {
	count     int
	firstFail time.Time
}

// FailureCounter maps a peer IP to its consecutive bad-auth count and the
// time of the first failure in the current streak. Entries whose count has
// crossed the threshold stay blocked until cooldown has elapsed since
// firstFail, at which point the next check resets them.
type FailureCounter struct {
	mu      sync.Mutex
	entries map[string]*failureEntry
}

// NewFailureCounter creates an empty counter.
func NewFailureCounter() *FailureCounter {
	return &FailureCounter{entries: make(map[string]*failureEntry)}
}

// IsBlocked reports whether peerIP is currently locked out under the given
// threshold/cooldown. A blocked entry whose cooldown has elapsed is reset
// and reported as not blocked.
func (f *FailureCounter) IsBlocked(peerIP string, threshold int, cooldown time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[peerIP]
	if !ok || entry.count < threshold {
		return false
	}

	if time.Since(entry.firstFail) >= cooldown {
		delete(f.entries, peerIP)

		return false
	}

	return true
}

// Fail records a bad-auth attempt for peerIP and reports whether this
// attempt crossed the threshold. Concurrent callers racing on the same IP
// may all push the counter past the threshold; every caller whose increment
// leaves the count at or above the threshold reports blocked. Once blocked,
// the IP stays blocked regardless of which goroutine noticed first.
func (f *FailureCounter) Fail(peerIP string, threshold int) (blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[peerIP]
	if !ok {
		entry = &failureEntry{firstFail: time.Now()}
		f.entries[peerIP] = entry
	}

	entry.count++

	return entry.count >= threshold
}

// Reset clears any failure streak recorded for peerIP, called on a
// successful authentication.
func (f *FailureCounter) Reset(peerIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, peerIP)
}

// Gate wraps a Backend with the FailureCounter discipline described above.
type Gate struct {
	backend   Backend
	counter   *FailureCounter
	threshold int
	cooldown  time.Duration
}

// NewGate builds a Gate. threshold is the number of bad attempts at which a
// peer IP becomes blocked (spec default 3); cooldown is how long the
// block lasts (spec default 5 minutes).
func NewGate(backend Backend, threshold int, cooldown time.Duration) *Gate {
	if threshold <= 0 {
		threshold = 3
	}

	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	return &Gate{
		backend:   backend,
		counter:   NewFailureCounter(),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Verify checks user/pass for peerIP, consulting the FailureCounter first.
// A blocked peer never reaches the backend.
func (g *Gate) Verify(user, pass, peerIP string) (Outcome, error) {
	if g.counter.IsBlocked(peerIP, g.threshold, g.cooldown) {
		return OutcomeBlocked, ErrBlocked
	}

	if err := g.backend.Verify(user, pass, peerIP); err != nil {
		if g.counter.Fail(peerIP, g.threshold) {
			return OutcomeBlocked, err
		}

		return OutcomeBadCredentials, err
	}

	g.counter.Reset(peerIP)

	return OutcomeSuccess, nil
}

// IsBlocked reports whether peerIP is currently blocked, without
// attempting a verification. Used by the Listener to reject a connection
// before the 220 banner is ever sent.
func (g *Gate) IsBlocked(peerIP string) bool {
	return g.counter.IsBlocked(peerIP, g.threshold, g.cooldown)
}
