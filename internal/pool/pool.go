// Package pool owns one proxy listener's configuration, client connection
// count, server array, continuum, and reload state.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cachemir/cachemir/internal/conn"
	"github.com/cachemir/cachemir/internal/distribution"
	"github.com/cachemir/cachemir/internal/distribution/hashfunc"
	"github.com/cachemir/cachemir/internal/metrics"
	"github.com/cachemir/cachemir/internal/perrors"
	"github.com/cachemir/cachemir/internal/serverpool"
)

// HashTag is the two-byte delimiter pair used to extract a hash-tag
// substring from a key. A zero byte in either field means
// "not configured".
type HashTag struct {
	Open byte
	Close byte
}

// ServerSpec is one backend server record from the config layer:
// "host:port:weight name?".
type ServerSpec struct {
	Address string
	Weight int
	Name string // defaults to "host:port:weight" if empty
}

// Config holds the parsed, validated settings for one pool.
type Config struct {
	Name string
	ListenAddr string
	Distribution distribution.Kind
	HashFn hashfunc.Kind
	HashTag HashTag
	Timeout time.Duration
	Backlog int
	ClientConns int // per-pool client connection cap
	ServerConns int // per-server connection cap
	ServerRetryTimeout time.Duration
	ServerFailureLimit int
	AutoEjectHosts bool
	Preconnect bool
	Redis bool
	RedisAuth string
	RedisDB int
	RebuildInterval time.Duration // upper bound between scheduled rebuilds
}

// Validate rejects structurally invalid configurations. An unknown
// hash/distribution name is already rejected during parsing, so this
// checks the remaining invariant: weight 0 is only meaningful under
// ketama's weighted-point generation.
func (c Config) Validate(servers []ServerSpec) error {
	if len(servers) == 0 {
		return perrors.New(perrors.ConfigInvalid, "pool.Validate", fmt.Errorf("pool %q has no servers", c.Name))
	}
	for _, s := range servers {
		if s.Weight == 0 && c.Distribution != distribution.Ketama {
			return perrors.New(perrors.ConfigInvalid, "pool.Validate",
				fmt.Errorf("pool %q: server %q has weight 0 under %s distribution", c.Name, s.Address, c.Distribution))
		}
	}
	return nil
}

// ReloadState is one of the five pool lifecycle states a pool moves
// through during a hot topology reload.
type ReloadState uint8

const (
	OldAndActive ReloadState = iota
	OldToShutdown
	OldDraining
	NewWaitForOld
	New
)

func (s ReloadState) String() string {
	switch s {
	case OldAndActive:
		return "OLD_AND_ACTIVE"
	case OldToShutdown:
		return "OLD_TO_SHUTDOWN"
	case OldDraining:
		return "OLD_DRAINING"
	case NewWaitForOld:
		return "NEW_WAIT_FOR_OLD"
	case New:
		return "NEW"
	default:
		return "UNKNOWN"
	}
}

// Pool owns the proxy listener (represented opaquely as ListenAddr plus a
// closed flag — the real socket lives in the connection layer), the server
// array, the continuum, and the reload state for one named endpoint.
type Pool struct {
	mu sync.RWMutex

	Index int
	cfg Config

	servers []*serverpool.Server
	continuum *distribution.Continuum

	nextRebuild time.Time

	state ReloadState
	counterpart *Pool

	listenerClosed bool
	clientConns int

	dialer conn.Dialer
	metrics *metrics.Registry
}

// SetMetrics attaches the operational counters this pool updates as it
// ejects/retries servers and rebuilds its continuum. A pool with no metrics
// attached simply skips recording; this keeps pool.New usable in tests
// without a prometheus registry.
func (p *Pool) SetMetrics(m *metrics.Registry) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

func (p *Pool) metricsSnapshot() *metrics.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// Name satisfies serverpool.Owner.
func (p *Pool) Name() string { return p.cfg.Name }

// New builds a Pool from a validated config and its server specs, dials
// nothing yet (preconnect, if configured, is a separate explicit call),
// and performs the initial continuum build.
func New(index int, cfg Config, specs []ServerSpec, dialer conn.Dialer) (*Pool, error) {
	if err := cfg.Validate(specs); err != nil {
		return nil, err
	}

	p := &Pool{
		Index: index,
		cfg: cfg,
		dialer: dialer,
		state: OldAndActive,
	}

	p.servers = make([]*serverpool.Server, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("%s:%d", spec.Address, spec.Weight)
		}
		p.servers[i] = serverpool.NewServer(i, name, spec.Address, spec.Weight, p, dialer, cfg.ServerConns)
	}

	p.rebuildLocked(time.Now(), "initial")
	return p, nil
}

// Servers returns the pool's backend servers in array order.
func (p *Pool) Servers() []*serverpool.Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*serverpool.Server, len(p.servers))
	copy(out, p.servers)
	return out
}

// Continuum returns the currently active continuum snapshot.
func (p *Pool) Continuum() *distribution.Continuum {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.continuum
}

// State returns the pool's current reload state.
func (p *Pool) State() ReloadState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pool) setState(s ReloadState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Counterpart returns the pool of the same name in the opposite registry
// during hot reload, or nil.
func (p *Pool) Counterpart() *Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counterpart
}

// SetCounterpart cross-links p to other as its reload counterpart.
func (p *Pool) SetCounterpart(other *Pool) {
	p.mu.Lock()
	p.counterpart = other
	p.mu.Unlock()
}

// ClearCounterpart removes the cross-link, used once a reload handoff has
// finished.
func (p *Pool) ClearCounterpart() {
	p.mu.Lock()
	p.counterpart = nil
	p.mu.Unlock()
}

// TransitionTo moves p to a new reload state. The registry package is the
// only caller; Pool itself does not decide when to transition.
func (p *Pool) TransitionTo(s ReloadState) {
	p.setState(s)
}

// snapshotServerInfo builds the distribution.ServerInfo view the continuum
// builder needs, as of now.
func (p *Pool) snapshotServerInfo(now time.Time) []distribution.ServerInfo {
	out := make([]distribution.ServerInfo, len(p.servers))
	for i, s := range p.servers {
		out[i] = distribution.ServerInfo{
			Index: i,
			Name: s.Name,
			Weight: s.Weight,
			Live: s.Live(now),
		}
	}
	return out
}

// Rebuild triggers a continuum rebuild now, regardless of next_rebuild,
// recorded under the "forced" trigger label.
func (p *Pool) Rebuild(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildLocked(now, "forced")
}

// rebuildTriggered is Rebuild with an explicit trigger label for the
// continuum_builds_total metric, used by call sites that know why they're
// rebuilding (ejection, retry probe, scheduled).
func (p *Pool) rebuildTriggered(now time.Time, trigger string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildLocked(now, trigger)
}

func (p *Pool) rebuildLocked(now time.Time, trigger string) {
	info := p.snapshotServerInfo(now)
	p.continuum = distribution.Build(info, p.cfg.Distribution, p.cfg.HashFn)
	if p.cfg.RebuildInterval > 0 {
		p.nextRebuild = now.Add(p.cfg.RebuildInterval)
	}
	if p.metrics != nil {
		p.metrics.ContinuumBuilds.WithLabelValues(p.cfg.Name, trigger).Inc()
	}
}

// MaybeRebuild rebuilds if next_rebuild has passed.
func (p *Pool) MaybeRebuild(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.RebuildInterval > 0 && !p.nextRebuild.IsZero() && !now.Before(p.nextRebuild) {
		p.rebuildLocked(now, "scheduled")
	}
}

// LiveServerCount returns nlive_server as of now.
func (p *Pool) LiveServerCount(now time.Time) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.servers {
		if s.Live(now) {
			n++
		}
	}
	return n
}

// taggedKey applies the configured hash-tag delimiters to key.
func (p *Pool) taggedKey(key []byte) []byte {
	return distribution.ExtractTag(key, p.cfg.HashTag.Open, p.cfg.HashTag.Close)
}

// ServerPoolIdx resolves key to a server index without opening any
// connection.
func (p *Pool) ServerPoolIdx(key []byte) (int, error) {
	p.mu.RLock()
	c := p.continuum
	p.mu.RUnlock()

	if c == nil || c.Len() == 0 {
		return 0, perrors.New(perrors.NoServerAvailable, "pool.ServerPoolIdx", fmt.Errorf("pool %q: empty continuum", p.cfg.Name))
	}
	tagged := p.taggedKey(key)
	h := c.HashKey(tagged)
	idx, ok := c.Lookup(h)
	if !ok {
		return 0, perrors.New(perrors.NoServerAvailable, "pool.ServerPoolIdx", fmt.Errorf("pool %q: lookup failed", p.cfg.Name))
	}
	return idx, nil
}

// resolveServer maps key to a *serverpool.Server, applying the
// auto_eject_hosts "dead selected server" rule.
func (p *Pool) resolveServer(key []byte, now time.Time) (*serverpool.Server, error) {
	idx, err := p.ServerPoolIdx(key)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	if idx < 0 || idx >= len(p.servers) {
		p.mu.RUnlock()
		return nil, perrors.New(perrors.NoServerAvailable, "pool.resolveServer", fmt.Errorf("pool %q: index %d out of range", p.cfg.Name, idx))
	}
	srv := p.servers[idx]
	autoEject := p.cfg.AutoEjectHosts
	p.mu.RUnlock()

	if !srv.Ejected(now) {
		return srv, nil
	}
	if !autoEject {
		return srv, nil
	}
	return nil, perrors.New(perrors.NoServerAvailable, "pool.resolveServer", fmt.Errorf("pool %q: server %q is ejected", p.cfg.Name, srv.Name))
}

// ProbeAndMaybeReviveDead records the outcome of the single retry probe
// sent to a dead server once its retry timer has elapsed: called by the
// caller's I/O layer once it has actually dialed the server's address and
// learned whether the dial succeeded. Reviving triggers a rebuild.
func (p *Pool) ProbeAndMaybeReviveDead(srv *serverpool.Server, now time.Time, success bool) {
	srv.RetryProbe(now, success, p.cfg.ServerRetryTimeout)
	if m := p.metricsSnapshot(); m != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		m.RetryProbes.WithLabelValues(p.cfg.Name, srv.Name, outcome).Inc()
	}
	p.rebuildTriggered(now, "retry_probe")
}

// RecordServerOutcome applies failure/success accounting for a completed
// request exchange against srv, ejecting and rescheduling a rebuild when
// the failure limit is crossed.
func (p *Pool) RecordServerOutcome(srv *serverpool.Server, now time.Time, err error) {
	if err == nil {
		srv.RecordSuccess()
		return
	}
	p.mu.RLock()
	autoEject := p.cfg.AutoEjectHosts
	limit := p.cfg.ServerFailureLimit
	retryTimeout := p.cfg.ServerRetryTimeout
	p.mu.RUnlock()

	if srv.RecordFailure(now, autoEject, limit, retryTimeout) {
		if m := p.metricsSnapshot(); m != nil {
			m.Ejections.WithLabelValues(p.cfg.Name, srv.Name).Inc()
		}
		p.rebuildTriggered(now, "ejection")
	}
}

// ServerPoolConn resolves key to a live server and returns a usable
// connection to it, or a well-typed "unavailable" error. It never blocks
// on network beyond the dialer's own timeout.
func (p *Pool) ServerPoolConn(ctx context.Context, key []byte) (*conn.ServerConn, *serverpool.Server, error) {
	if p.State() == OldDraining || p.State() == NewWaitForOld {
		return nil, nil, perrors.New(perrors.PoolUnavailable, "pool.ServerPoolConn", fmt.Errorf("pool %q is not accepting requests (state=%s)", p.cfg.Name, p.State()))
	}

	now := time.Now()
	srv, err := p.resolveServer(key, now)
	if err != nil {
		if m := p.metricsSnapshot(); m != nil {
			m.NoServerErrors.WithLabelValues(p.cfg.Name).Inc()
		}
		return nil, nil, err
	}

	sc, err := srv.Conn(ctx)
	if err != nil {
		return nil, srv, perrors.New(perrors.ConnectFailed, "pool.ServerPoolConn", err)
	}
	return sc, srv, nil
}

// Preconnect opens connections up to ServerConns for every server. Dial
// errors are returned per-server for the caller to log; they do not abort
// startup.
func (p *Pool) Preconnect(ctx context.Context) map[string][]error {
	if !p.cfg.Preconnect {
		return nil
	}
	p.mu.RLock()
	servers := append([]*serverpool.Server(nil), p.servers...)
	p.mu.RUnlock()

	out := make(map[string][]error)
	for _, s := range servers {
		if errs := s.Preconnect(ctx); len(errs) > 0 {
			out[s.Name] = errs
		}
	}
	return out
}

// Disconnect closes all server connections in the pool but leaves the pool
// object intact, used during reload draining.
func (p *Pool) Disconnect() {
	p.mu.RLock()
	servers := append([]*serverpool.Server(nil), p.servers...)
	p.mu.RUnlock()
	for _, s := range servers {
		s.DisconnectAll()
	}
}

// IncClientConn records a newly accepted client connection.
func (p *Pool) IncClientConn() {
	p.mu.Lock()
	p.clientConns++
	p.mu.Unlock()
}

// DecClientConn records a closed client connection.
func (p *Pool) DecClientConn() {
	p.mu.Lock()
	if p.clientConns > 0 {
		p.clientConns--
	}
	p.mu.Unlock()
}

// ClientConnCount returns the number of client connections currently
// tracked as open on this pool.
func (p *Pool) ClientConnCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clientConns
}

// CloseListener marks this pool's listener closed, a precondition for
// OLD_DRAINING.
func (p *Pool) CloseListener() {
	p.mu.Lock()
	p.listenerClosed = true
	p.mu.Unlock()
}

// ListenerClosed reports whether CloseListener has been called.
func (p *Pool) ListenerClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listenerClosed
}

// Config returns a copy of the pool's configuration.
func (p *Pool) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// EndpointEquals reports whether p listens on the same addrstr/port as
// other — pools whose endpoint is identical require a drain during hot
// reload; pools whose endpoint differs may swap listeners immediately.
func (p *Pool) EndpointEquals(other *Pool) bool {
	p.mu.RLock()
	a := p.cfg.ListenAddr
	p.mu.RUnlock()
	other.mu.RLock()
	b := other.cfg.ListenAddr
	other.mu.RUnlock()
	return a == b
}
