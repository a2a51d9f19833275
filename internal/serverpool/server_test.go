package serverpool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeOwner struct{ name string }

func (f fakeOwner) Name() string { return f.name }

// fakeDialer returns an in-memory net.Conn pipe half and optionally fails.
type fakeDialer struct {
	fail  bool
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	d.dials++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	client, _ := net.Pipe()
	return client, nil
}

func TestServerLiveInitially(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()
	if !s.Live(now) {
		t.Error("a fresh server should be live")
	}
	if s.Ejected(now) {
		t.Error("a fresh server should not be ejected")
	}
}

func TestRecordFailureEjectsAtLimit(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()

	if ejected := s.RecordFailure(now, true, 2, time.Second); ejected {
		t.Fatal("first failure should not eject with limit=2")
	}
	if s.Ejected(now) {
		t.Fatal("server should not be ejected after one failure")
	}

	if ejected := s.RecordFailure(now, true, 2, time.Second); !ejected {
		t.Fatal("second failure should eject with limit=2")
	}
	if !s.Ejected(now) {
		t.Fatal("server should be ejected after crossing the limit")
	}
}

func TestRecordFailureWithoutAutoEjectNeverEjects(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if ejected := s.RecordFailure(now, false, 2, time.Second); ejected {
			t.Fatal("auto_eject_hosts=false must never eject")
		}
	}
	if s.Ejected(now) {
		t.Fatal("server must not be ejected when auto_eject_hosts is off")
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()
	s.RecordFailure(now, true, 5, time.Second)
	s.RecordFailure(now, true, 5, time.Second)
	s.RecordSuccess()
	if s.FailureCount() != 0 {
		t.Errorf("FailureCount() = %d, want 0 after success", s.FailureCount())
	}
	if s.Ejected(now) {
		t.Error("server must not be ejected after a success resets state")
	}
}

func TestRetryProbeLinearBackoff(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()
	s.RecordFailure(now, true, 1, time.Second)
	if !s.Ejected(now) {
		t.Fatal("server should be ejected")
	}

	afterRetry := now.Add(2 * time.Second)
	s.RetryProbe(afterRetry, false, time.Second)
	if s.Ejected(afterRetry) == false {
		t.Fatal("failed probe should keep the server ejected")
	}
	// next_retry should be exactly afterRetry+1s, not exponential.
	if s.live(afterRetry.Add(500 * time.Millisecond)) {
		t.Fatal("server became live before the linear retry window elapsed")
	}
	if !s.live(afterRetry.Add(time.Second)) {
		t.Fatal("server should become eligible for retry exactly at next_retry")
	}
}

func TestRetryProbeSuccessClearsState(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	now := time.Now()
	s.RecordFailure(now, true, 1, time.Second)
	s.RetryProbe(now.Add(time.Second), true, time.Second)
	if s.Ejected(now.Add(time.Second)) {
		t.Fatal("successful probe should clear ejection")
	}
	if s.FailureCount() != 0 {
		t.Fatal("successful probe should reset the failure count")
	}
}

func TestConnCreatesUpToCap(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	ctx := context.Background()

	if _, err := s.Conn(ctx); err != nil {
		t.Fatalf("Conn() error: %v", err)
	}
	if _, err := s.Conn(ctx); err != nil {
		t.Fatalf("Conn() error: %v", err)
	}
	if d.dials != 2 {
		t.Errorf("dials = %d, want 2 (one per cap slot)", d.dials)
	}
	if s.ConnCount() != 2 {
		t.Errorf("ConnCount() = %d, want 2", s.ConnCount())
	}
}

func TestConnRoundRobinsOnceAtCap(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 1)
	ctx := context.Background()

	c1, err := s.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error: %v", err)
	}
	c2, err := s.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error: %v", err)
	}
	if c1 != c2 {
		t.Error("at cap=1, Conn() should always return the same connection")
	}
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1", d.dials)
	}
}

func TestConnSkipsErroredConnections(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	ctx := context.Background()

	c1, _ := s.Conn(ctx)
	c2, _ := s.Conn(ctx)
	c1.MarkError()

	for i := 0; i < 4; i++ {
		got, err := s.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn() error: %v", err)
		}
		if got != c2 {
			t.Errorf("Conn() returned the errored connection; want the healthy one")
		}
	}
}

func TestConnErrorsWhenAllConnectionsErrored(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 1)
	ctx := context.Background()
	c1, _ := s.Conn(ctx)
	c1.MarkError()

	if _, err := s.Conn(ctx); err == nil {
		t.Fatal("expected an error when every connection at cap is errored")
	}
}

func TestDisconnectAllClosesAndResets(t *testing.T) {
	d := &fakeDialer{}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 2)
	ctx := context.Background()
	s.Conn(ctx)
	s.Conn(ctx)
	s.DisconnectAll()
	if s.ConnCount() != 0 {
		t.Errorf("ConnCount() = %d, want 0 after DisconnectAll", s.ConnCount())
	}
}

func TestPreconnectReportsDialErrors(t *testing.T) {
	d := &fakeDialer{fail: true}
	s := NewServer(0, "a:1:1", "a:1", 1, fakeOwner{"p"}, d, 3)
	errs := s.Preconnect(context.Background())
	if len(errs) != 3 {
		t.Errorf("Preconnect() returned %d errors, want 3", len(errs))
	}
}
