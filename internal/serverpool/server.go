// Package serverpool owns backend servers, their health state, and their
// fixed-size connection fanout.
package serverpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cachemir/cachemir/internal/conn"
)

// Owner is the minimal view of the owning pool a Server needs: just enough
// to log and report without creating an import cycle back to package pool.
type Owner interface {
	Name() string
}

// Server represents one backend endpoint: its stable index within its
// pool, display name, resolved address, weight, live connections, and
// failure/ejection bookkeeping.
type Server struct {
	mu sync.Mutex

	Index int
	Name string // "host:port:weight"
	Address string
	Weight int

	owner Owner
	dialer conn.Dialer

	maxConns int
	conns []*conn.ServerConn
	rrIndex int

	failureCount int
	nextRetry time.Time // zero value means "not ejected"
}

// NewServer creates a Server bound to owner, dialing through dialer, with
// at most maxConns live connections.
func NewServer(index int, name, address string, weight int, owner Owner, dialer conn.Dialer, maxConns int) *Server {
	return &Server{
		Index: index,
		Name: name,
		Address: address,
		Weight: weight,
		owner: owner,
		dialer: dialer,
		maxConns: maxConns,
	}
}

// Live reports whether this server should be treated as live for
// distribution purposes: next_retry == 0 (not ejected) or now has reached
// next_retry.
func (s *Server) Live(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(now)
}

func (s *Server) live(now time.Time) bool {
	return s.nextRetry.IsZero() || !now.Before(s.nextRetry)
}

// Ejected reports whether this server is currently past failure accounting
// into its retry wait (next_retry set and not yet reached).
func (s *Server) Ejected(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.nextRetry.IsZero() && now.Before(s.nextRetry)
}

// FailureCount returns the consecutive failure count since the last
// success.
func (s *Server) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

// RecordSuccess resets failure accounting after a completed request
// exchange without error.
func (s *Server) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	s.nextRetry = time.Time{}
}

// RecordFailure accounts a transport error or timeout. It returns true if
// this failure just caused ejection (auto_eject_hosts on, failure_count
// crossed server_failure_limit); the caller is then responsible for
// scheduling a continuum rebuild.
func (s *Server) RecordFailure(now time.Time, autoEject bool, failureLimit int, retryTimeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if autoEject && s.failureCount >= failureLimit && s.nextRetry.IsZero() {
		s.nextRetry = now.Add(retryTimeout)
		s.closeAllLocked()
		return true
	}
	return false
}

// RetryProbe records the outcome of a single probe attempt sent to a dead
// server once now has reached next_retry. On success it clears ejection
// state; the caller schedules a rebuild. On failure it resets next_retry
// linearly, not exponentially.
func (s *Server) RetryProbe(now time.Time, success bool, retryTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.failureCount = 0
		s.nextRetry = time.Time{}
		return
	}
	s.nextRetry = now.Add(retryTimeout)
}

// ConnCount returns the number of live server connections currently held.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Conn returns a usable server connection: while under the per-server cap
// a new connection is opened; once at cap, an existing non-errored
// connection is chosen round-robin.
func (s *Server) Conn(ctx context.Context) (*conn.ServerConn, error) {
	s.mu.Lock()
	if len(s.conns) < s.maxConns {
		s.mu.Unlock()
		return s.dial(ctx)
	}

	n := len(s.conns)
	for i := 0; i < n; i++ {
		idx := (s.rrIndex + i) % n
		c := s.conns[idx]
		if c.State != conn.StateError {
			s.rrIndex = (idx + 1) % n
			s.mu.Unlock()
			return c, nil
		}
	}
	s.mu.Unlock()
	return nil, fmt.Errorf("server %s: no healthy connection available", s.Name)
}

func (s *Server) dial(ctx context.Context) (*conn.ServerConn, error) {
	nc, err := s.dialer.Dial(ctx, s.Address)
	if err != nil {
		return nil, err
	}
	sc := &conn.ServerConn{Conn: nc}

	s.mu.Lock()
	if len(s.conns) >= s.maxConns {
		// Another caller filled the last slot while this dial was in flight.
		s.mu.Unlock()
		nc.Close()
		return s.Conn(ctx)
	}
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	return sc, nil
}

// Preconnect opens connections up to maxConns eagerly. Dial errors are
// returned to the caller to log; they do not prevent further attempts.
func (s *Server) Preconnect(ctx context.Context) []error {
	s.mu.Lock()
	need := s.maxConns - len(s.conns)
	s.mu.Unlock()

	var errs []error
	for i := 0; i < need; i++ {
		if _, err := s.dial(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// DisconnectAll closes every connection held for this server, leaving the
// Server itself intact (used on ejection and on pool disconnect/drain).
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked()
}

func (s *Server) closeAllLocked() {
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.rrIndex = 0
}
