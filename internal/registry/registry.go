// Package registry holds the ordered set of pools a proxy process is
// currently serving and drives the hot-reload handoff between an old and a
// new registry generation.
package registry

import (
	"sort"
	"sync"

	"github.com/cachemir/cachemir/internal/pool"
	"github.com/cachemir/cachemir/internal/serverpool"
)

// Registry is an ordered, named collection of pools. Order is the order the
// pools were passed to New (cmd/proxy passes them as config.Parse returns
// them, sorted by name), so Fold always visits pools and servers in a
// deterministic sequence.
type Registry struct {
	mu sync.RWMutex
	pools []*pool.Pool
}

// New builds a Registry from already-constructed pools, in the given
// order.
func New(pools []*pool.Pool) *Registry {
	return &Registry{pools: append([]*pool.Pool(nil), pools...)}
}

// Pools returns the registry's pools in traversal order.
func (r *Registry) Pools() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*pool.Pool(nil), r.pools...)
}

// ByName returns the pool with the given name, or nil.
func (r *Registry) ByName(name string) *pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// KickReplacement pairs every pool in next whose name also exists in old,
// cross-links the two as counterparts, and puts the old side into
// OLD_TO_SHUTDOWN and the new side into NEW_WAIT_FOR_OLD. A pool present
// only in old (its name dropped from the new config) has no counterpart to
// wait for, but still must drain before being freed rather than being
// dropped outright, so it too is moved to OLD_TO_SHUTDOWN.
//
// Every old pool, matched or not, is folded into next's own pool list: the
// caller is expected to replace its registry pointer with next immediately
// after calling KickReplacement, and PollDraining/Fold/PruneRetired only
// ever see the pools reachable from the registry currently in use, so an
// old pool left off next's list would never drain or get pruned. Pools
// present only in next (newly added) start directly in NEW with no
// counterpart.
func KickReplacement(old, next *Registry) {
	old.mu.RLock()
	oldPools := append([]*pool.Pool(nil), old.pools...)
	old.mu.RUnlock()

	next.mu.Lock()
	defer next.mu.Unlock()
	newPools := append([]*pool.Pool(nil), next.pools...)

	matched := make(map[*pool.Pool]bool, len(oldPools))
	for _, newPool := range newPools {
		paired := false
		for _, oldPool := range oldPools {
			if oldPool.Name() != newPool.Name() {
				continue
			}
			oldPool.SetCounterpart(newPool)
			newPool.SetCounterpart(oldPool)
			oldPool.TransitionTo(pool.OldToShutdown)
			newPool.TransitionTo(pool.NewWaitForOld)
			matched[oldPool] = true
			paired = true
		}
		if !paired {
			newPool.TransitionTo(pool.New)
		}
	}

	for _, oldPool := range oldPools {
		if !matched[oldPool] {
			oldPool.TransitionTo(pool.OldToShutdown)
		}
		next.pools = append(next.pools, oldPool)
	}
}

// BeginDrain moves an OLD_TO_SHUTDOWN pool into OLD_DRAINING: its listener
// is closed so no further clients are accepted, but its existing client
// connections and backend connections continue to be served until they
// finish naturally.
func BeginDrain(old *pool.Pool) {
	old.CloseListener()
	old.TransitionTo(pool.OldDraining)
}

// FinishReplacement polls an OLD_DRAINING/NEW_WAIT_FOR_OLD counterpart
// pair: once the old side has zero tracked client connections, it is fully
// retired (its connections closed, counterpart link cleared) and the new
// side is promoted to NEW, fully active. It returns true once the handoff
// for this pair is complete.
func FinishReplacement(oldPool *pool.Pool) bool {
	if oldPool.ClientConnCount() > 0 {
		return false
	}

	oldPool.Disconnect()
	newPool := oldPool.Counterpart()
	oldPool.ClearCounterpart()

	if newPool != nil {
		newPool.ClearCounterpart()
		newPool.TransitionTo(pool.New)
	}
	return true
}

// PollDraining advances every OLD_TO_SHUTDOWN pool to OLD_DRAINING, then
// runs FinishReplacement for every OLD_DRAINING pool, returning the names
// of pairs that completed this round. A completed pool (matched or
// unmatched) is left in the registry in OLD_DRAINING with zero client
// connections; callers should follow up with PruneRetired to drop it from
// the pool list.
// Callers run this periodically, e.g. off the same ticker that drives
// scheduled continuum rebuilds.
func (r *Registry) PollDraining() []string {
	r.mu.RLock()
	pools := append([]*pool.Pool(nil), r.pools...)
	r.mu.RUnlock()

	for _, p := range pools {
		if p.State() == pool.OldToShutdown {
			BeginDrain(p)
		}
	}

	var done []string
	for _, p := range pools {
		if p.State() == pool.OldDraining && FinishReplacement(p) {
			done = append(done, p.Name())
		}
	}
	return done
}

// AllReplaced reports whether no pool in r remains in a reload-transition
// state (OLD_TO_SHUTDOWN, OLD_DRAINING, NEW_WAIT_FOR_OLD), lifted to the
// whole registry since a single reload touches many pools at once.
func (r *Registry) AllReplaced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pools {
		switch p.State() {
		case pool.OldToShutdown, pool.OldDraining, pool.NewWaitForOld:
			return false
		}
	}
	return true
}

// PoolVisitor is called once per pool during a Fold, before its servers are
// visited.
type PoolVisitor func(p *pool.Pool)

// ServerVisitor is called once per server during a Fold, in server Index
// order within its owning pool.
type ServerVisitor func(p *pool.Pool, s *serverpool.Server)

// Fold performs a deterministic pools-then-servers traversal, useful for
// stats reporting, logging, and shutdown: every pool in registry order,
// then every one of its servers in index order. Either visitor may be nil
// to skip that level.
func (r *Registry) Fold(onPool PoolVisitor, onServer ServerVisitor) {
	r.mu.RLock()
	pools := append([]*pool.Pool(nil), r.pools...)
	r.mu.RUnlock()

	for _, p := range pools {
		if onPool != nil {
			onPool(p)
		}
		if onServer == nil {
			continue
		}
		servers := p.Servers()
		sort.Slice(servers, func(i, j int) bool { return servers[i].Index < servers[j].Index })
		for _, s := range servers {
			onServer(p, s)
		}
	}
}

// PruneRetired removes pools from r that FinishReplacement has already
// retired (OLD_DRAINING with zero client connections), returning how many
// were removed. Call it after PollDraining each cycle so a completed
// handoff's old pool does not linger in the registry forever.
func (r *Registry) PruneRetired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.pools[:0:0]
	removed := 0
	for _, p := range r.pools {
		if p.State() == pool.OldDraining && p.ClientConnCount() == 0 {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	r.pools = kept
	return removed
}
