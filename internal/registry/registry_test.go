package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cachemir/cachemir/internal/distribution"
	"github.com/cachemir/cachemir/internal/distribution/hashfunc"
	"github.com/cachemir/cachemir/internal/pool"
	"github.com/cachemir/cachemir/internal/serverpool"
)

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

func onePoolNamed(t *testing.T, name, addr string, nServers int) *pool.Pool {
	t.Helper()
	cfg := pool.Config{
		Name:               name,
		ListenAddr:         addr,
		Distribution:       distribution.Ketama,
		HashFn:             hashfunc.MD5,
		Timeout:            time.Second,
		Backlog:            128,
		ServerConns:        1,
		ServerRetryTimeout: time.Second,
		ServerFailureLimit: 2,
	}
	specs := make([]pool.ServerSpec, nServers)
	for i := range specs {
		specs[i] = pool.ServerSpec{Address: "10.0.0.1:11211", Weight: 1}
	}
	p, err := pool.New(0, cfg, specs, fakeDialer{})
	if err != nil {
		t.Fatalf("pool.New() error: %v", err)
	}
	return p
}

func TestKickReplacementPairsByName(t *testing.T) {
	oldP := onePoolNamed(t, "cache", ":22121", 2)
	newP := onePoolNamed(t, "cache", ":22121", 3)

	old := New([]*pool.Pool{oldP})
	next := New([]*pool.Pool{newP})

	KickReplacement(old, next)

	if oldP.State() != pool.OldToShutdown {
		t.Errorf("old pool state = %v, want OLD_TO_SHUTDOWN", oldP.State())
	}
	if newP.State() != pool.NewWaitForOld {
		t.Errorf("new pool state = %v, want NEW_WAIT_FOR_OLD", newP.State())
	}
	if oldP.Counterpart() != newP || newP.Counterpart() != oldP {
		t.Error("counterpart cross-links not established")
	}
}

func TestKickReplacementIgnoresUnmatchedNames(t *testing.T) {
	oldP := onePoolNamed(t, "cache-a", ":1", 1)
	newP := onePoolNamed(t, "cache-b", ":2", 1)

	old := New([]*pool.Pool{oldP})
	next := New([]*pool.Pool{newP})
	KickReplacement(old, next)

	if oldP.State() != pool.OldToShutdown {
		t.Errorf("unmatched old pool should still move to OLD_TO_SHUTDOWN, got %v", oldP.State())
	}
	if newP.State() != pool.New {
		t.Errorf("unmatched new pool should start directly in NEW, got %v", newP.State())
	}
	if oldP.Counterpart() != nil {
		t.Error("unmatched old pool should have no counterpart")
	}

	// The caller always keeps next after KickReplacement, so an unmatched
	// old pool must be reachable there, not just in the discarded old
	// registry, or it would never drain.
	found := false
	for _, p := range next.Pools() {
		if p == oldP {
			found = true
		}
	}
	if !found {
		t.Fatal("unmatched old pool must be folded into next's pool list")
	}

	done := next.PollDraining()
	if len(done) != 1 || done[0] != "cache-a" {
		t.Fatalf("expected the unmatched old pool to drain to completion, got %v", done)
	}
	next.PruneRetired()
	if !next.AllReplaced() {
		t.Error("next should report AllReplaced once the dropped pool is pruned")
	}
}

func TestFullReloadHandoff(t *testing.T) {
	oldP := onePoolNamed(t, "cache", ":22121", 2)
	newP := onePoolNamed(t, "cache", ":22121", 3)

	old := New([]*pool.Pool{oldP})
	next := New([]*pool.Pool{newP})
	KickReplacement(old, next)

	// Pretend one client is still attached to the old pool.
	oldP.IncClientConn()

	// The caller swaps its registry pointer to next right after
	// KickReplacement, so next (not old) is what gets polled from here on.
	if done := next.PollDraining(); len(done) != 0 {
		t.Fatalf("drain should not complete while a client connection remains, got %v", done)
	}
	if oldP.State() != pool.OldDraining {
		t.Errorf("old pool should have advanced to OLD_DRAINING, got %v", oldP.State())
	}
	if !oldP.ListenerClosed() {
		t.Error("old pool's listener should be closed while draining")
	}

	oldP.DecClientConn()
	done := next.PollDraining()
	if len(done) != 1 || done[0] != "cache" {
		t.Fatalf("expected drain to complete for %q, got %v", "cache", done)
	}
	if newP.State() != pool.New {
		t.Errorf("new pool should be promoted to NEW, got %v", newP.State())
	}
	if newP.Counterpart() != nil || oldP.Counterpart() != nil {
		t.Error("counterpart links should be cleared once the handoff completes")
	}
}

func TestAllReplaced(t *testing.T) {
	oldP := onePoolNamed(t, "cache", ":22121", 1)
	newP := onePoolNamed(t, "cache", ":22121", 1)
	old := New([]*pool.Pool{oldP})
	next := New([]*pool.Pool{newP})

	if !old.AllReplaced() || !next.AllReplaced() {
		t.Fatal("a registry with no in-flight reload should report AllReplaced")
	}

	KickReplacement(old, next)
	if next.AllReplaced() {
		t.Fatal("AllReplaced should be false while the new pool awaits the old one")
	}

	next.PollDraining()
	next.PollDraining()
	if next.AllReplaced() {
		t.Fatal("AllReplaced should still be false until the retired old pool is pruned")
	}
	next.PruneRetired()
	if !next.AllReplaced() {
		t.Fatal("AllReplaced should be true once the drain finishes and the old pool is pruned")
	}
}

func TestFoldVisitsPoolsAndServersInOrder(t *testing.T) {
	p1 := onePoolNamed(t, "a", ":1", 2)
	p2 := onePoolNamed(t, "b", ":2", 1)
	reg := New([]*pool.Pool{p1, p2})

	var poolNames []string
	serverCount := map[string]int{}
	reg.Fold(
		func(p *pool.Pool) { poolNames = append(poolNames, p.Name()) },
		func(p *pool.Pool, s *serverpool.Server) { serverCount[p.Name()]++ },
	)
	if len(poolNames) != 2 || poolNames[0] != "a" || poolNames[1] != "b" {
		t.Errorf("Fold visited pools out of order: %v", poolNames)
	}
	if serverCount["a"] != 2 || serverCount["b"] != 1 {
		t.Errorf("Fold visited wrong server counts: %v", serverCount)
	}
}
