// Package config loads the YAML pool topology file and turns it into
// validated pool.Config/pool.ServerSpec values, the way cachemir's old
// flag/env config layer loaded flat server settings — only here the
// authoritative source is a YAML document describing an arbitrary number
// of named pools.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cachemir/cachemir/internal/distribution"
	"github.com/cachemir/cachemir/internal/distribution/hashfunc"
	"github.com/cachemir/cachemir/internal/perrors"
	"github.com/cachemir/cachemir/internal/pool"
)

// Default process-wide settings, applied whenever a pool record omits
// them.
const (
	DefaultLogLevel = "info"
	DefaultTimeout = 400 * time.Millisecond
	DefaultBacklog = 1024
	DefaultClientConns = 0 // 0 means unlimited
	DefaultServerConns = 1
	DefaultRetryTimeout = 30 * time.Second
	DefaultFailureLimit = 2
	DefaultRebuildInterval = 0 // 0 means "rebuild only on demand"
)

// File is the top-level shape of a pool topology document: a log level
// plus a map of pool name to its body, mirroring twemproxy's nutcracker.yml
// convention of one top-level map keyed by pool name.
type File struct {
	LogLevel string `yaml:"log_level"`
	Pools map[string]PoolRecord `yaml:"pools"`
}

// PoolRecord is the on-disk shape of one pool entry.
type PoolRecord struct {
	Listen string `yaml:"listen"`
	SocketPerm string `yaml:"socket_perm"`
	Distribution string `yaml:"distribution"`
	Hash string `yaml:"hash"`
	HashTag string `yaml:"hash_tag"`
	TimeoutMillis int `yaml:"timeout"`
	Backlog int `yaml:"backlog"`
	ClientConnections int `yaml:"client_connections"`
	ServerConnections int `yaml:"server_connections"`
	ServerRetryMillis int `yaml:"server_retry_timeout"`
	ServerFailureLimit int `yaml:"server_failure_limit"`
	RebuildMillis int `yaml:"rebuild_interval"`
	AutoEjectHosts bool `yaml:"auto_eject_hosts"`
	Preconnect bool `yaml:"preconnect"`
	Redis bool `yaml:"redis"`
	RedisAuth string `yaml:"redis_auth"`
	RedisDB int `yaml:"redis_db"`
	Servers []string `yaml:"servers"`
}

// Parsed is one fully validated pool: its config plus its server specs,
// ready for pool.New.
type Parsed struct {
	Name string
	Config pool.Config
	Servers []pool.ServerSpec
}

// Load reads and parses a YAML topology file at path, applying defaults
// and validating every pool record.
func Load(path string) (string, []Parsed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, perrors.New(perrors.ConfigInvalid, "config.Load", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into the process log level plus one Parsed
// entry per pool, in a stable order (sorted by name) so registry traversal
// order is reproducible across reloads of an unchanged file.
func Parse(data []byte) (string, []Parsed, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", nil, perrors.New(perrors.ConfigInvalid, "config.Parse", fmt.Errorf("invalid yaml: %w", err))
	}

	logLevel := f.LogLevel
	if logLevel == "" {
		logLevel = DefaultLogLevel
	}

	names := make([]string, 0, len(f.Pools))
	for name := range f.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Parsed, 0, len(names))
	for _, name := range names {
		p, err := parsePool(name, f.Pools[name])
		if err != nil {
			return "", nil, err
		}
		out = append(out, p)
	}
	return logLevel, out, nil
}

func parsePool(name string, rec PoolRecord) (Parsed, error) {
	dist := rec.Distribution
	if dist == "" {
		dist = "ketama"
	}
	distKind, err := distribution.ParseKind(dist)
	if err != nil {
		return Parsed{}, perrors.New(perrors.ConfigInvalid, "config.parsePool", fmt.Errorf("pool %q: %w", name, err))
	}

	hashName := rec.Hash
	if hashName == "" {
		hashName = "md5"
	}
	hashKind, err := hashfunc.Parse(hashName)
	if err != nil {
		return Parsed{}, perrors.New(perrors.ConfigInvalid, "config.parsePool", fmt.Errorf("pool %q: %w", name, err))
	}

	tag, err := parseHashTag(rec.HashTag)
	if err != nil {
		return Parsed{}, perrors.New(perrors.ConfigInvalid, "config.parsePool", fmt.Errorf("pool %q: %w", name, err))
	}

	if rec.Listen == "" {
		return Parsed{}, perrors.New(perrors.ConfigInvalid, "config.parsePool", fmt.Errorf("pool %q: listen is required", name))
	}

	timeout := time.Duration(rec.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backlog := rec.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	serverConns := rec.ServerConnections
	if serverConns <= 0 {
		serverConns = DefaultServerConns
	}
	retryTimeout := time.Duration(rec.ServerRetryMillis) * time.Millisecond
	if retryTimeout <= 0 {
		retryTimeout = DefaultRetryTimeout
	}
	failureLimit := rec.ServerFailureLimit
	if failureLimit <= 0 {
		failureLimit = DefaultFailureLimit
	}
	rebuildInterval := time.Duration(rec.RebuildMillis) * time.Millisecond

	cfg := pool.Config{
		Name: name,
		ListenAddr: rec.Listen,
		Distribution: distKind,
		HashFn: hashKind,
		HashTag: tag,
		Timeout: timeout,
		Backlog: backlog,
		ClientConns: rec.ClientConnections,
		ServerConns: serverConns,
		ServerRetryTimeout: retryTimeout,
		ServerFailureLimit: failureLimit,
		AutoEjectHosts: rec.AutoEjectHosts,
		Preconnect: rec.Preconnect,
		Redis: rec.Redis,
		RedisAuth: rec.RedisAuth,
		RedisDB: rec.RedisDB,
		RebuildInterval: rebuildInterval,
	}

	servers := make([]pool.ServerSpec, 0, len(rec.Servers))
	for _, s := range rec.Servers {
		spec, err := parseServerSpec(s)
		if err != nil {
			return Parsed{}, perrors.New(perrors.ConfigInvalid, "config.parsePool", fmt.Errorf("pool %q: %w", name, err))
		}
		servers = append(servers, spec)
	}

	if err := cfg.Validate(servers); err != nil {
		return Parsed{}, err
	}

	return Parsed{Name: name, Config: cfg, Servers: servers}, nil
}

// parseHashTag validates that a hash_tag string is either empty or exactly
// two distinct bytes.
func parseHashTag(s string) (pool.HashTag, error) {
	if s == "" {
		return pool.HashTag{}, nil
	}
	if len(s) != 2 {
		return pool.HashTag{}, fmt.Errorf("hash_tag must be exactly two bytes, got %q", s)
	}
	if s[0] == s[1] {
		return pool.HashTag{}, fmt.Errorf("hash_tag delimiters must be distinct, got %q", s)
	}
	return pool.HashTag{Open: s[0], Close: s[1]}, nil
}

// parseServerSpec parses one "host:port:weight" or "host:port:weight name"
// record.
func parseServerSpec(s string) (pool.ServerSpec, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return pool.ServerSpec{}, fmt.Errorf("empty server record")
	}
	addrWeight := fields[0]
	name := ""
	if len(fields) > 1 {
		name = fields[1]
	}

	parts := strings.Split(addrWeight, ":")
	if len(parts) != 3 {
		return pool.ServerSpec{}, fmt.Errorf("server record %q must be host:port:weight", s)
	}
	weight, err := strconv.Atoi(parts[2])
	if err != nil {
		return pool.ServerSpec{}, fmt.Errorf("server record %q: invalid weight: %w", s, err)
	}
	if weight < 0 {
		return pool.ServerSpec{}, fmt.Errorf("server record %q: weight must be non-negative", s)
	}

	return pool.ServerSpec{
		Address: parts[0] + ":" + parts[1],
		Weight: weight,
		Name: name,
	}, nil
}
