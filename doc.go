// Package cachemir is the routing and distribution core for a sharded
// memcached/Redis proxy: given a key, it resolves which backend server owns
// that key and hands back a pooled connection to it.
//
// # Architecture Overview
//
// The core is organized as a small set of collaborating packages:
//
//   - internal/distribution: ketama, modula and random continuum
//     construction plus the pluggable hash function family
//     (internal/distribution/hashfunc)
//   - internal/serverpool: per-server health tracking (failure counting,
//     ejection, linear retry backoff) and bounded connection fanout
//   - internal/pool: a named pool of servers, its continuum, and its
//     five-state hot-reload lifecycle
//   - internal/registry: an ordered set of pools, and the mechanics of
//     handing traffic from an old generation of pools to a new one
//   - internal/conn: the dialer and connection abstractions pools use to
//     reach backend servers
//   - internal/config: YAML pool topology parsing
//   - internal/plog, internal/metrics, internal/perrors: structured
//     logging, Prometheus instrumentation and typed errors, used by
//     cmd/proxy, internal/pool and internal/config
//
// cmd/proxy wires these together into a long-running process that loads a
// topology file, serves Prometheus metrics, and reloads its pool topology on
// SIGHUP without dropping in-flight client connections.
//
// # Quick Start
//
//	import "github.com/cachemir/cachemir/internal/config"
//	import "github.com/cachemir/cachemir/internal/pool"
//
//	_, parsed, err := config.Load("cachemir.yml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	p, err := pool.New(0, parsed[0].Config, parsed[0].Servers, dialer)
//	if err != nil {
//		log.Fatal(err)
//	}
//	conn, server, err := p.ServerPoolConn(ctx, []byte("user:123"))
//
// # Key Distribution
//
// Each pool builds a continuum over its live servers using one of three
// distribution strategies (ketama, modula, random) and one of twelve hash
// functions. Keys sharing a hash tag (e.g. "{user42}.profile" and
// "{user42}.sessions") always resolve to the same server, which lets
// multi-key operations stay on one connection.
//
// # Server Health
//
// Each server in a pool tracks consecutive failures independently. Once a
// server crosses its pool's failure limit it is ejected from the continuum;
// a single probe connection after the retry timeout elapses decides whether
// it rejoins.
//
// # Hot Reload
//
// Replacing a pool's topology never drops a connection mid-flight: the new
// generation's listener is ready before the old generation's is closed, and
// the old generation is only torn down once its last client connection
// closes on its own.
package cachemir
