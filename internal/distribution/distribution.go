// Package distribution builds and queries the key-hash → server-index
// continuum for one pool.
package distribution

import (
	"crypto/md5"
	"fmt"
	"math/rand"
	"sort"

	"github.com/cachemir/cachemir/internal/distribution/hashfunc"
)

// Kind is one of the three selectable distribution algorithms.
type Kind uint8

const (
	Ketama Kind = iota
	Modula
	Random
)

// ParseKind resolves a config-file distribution name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "ketama":
		return Ketama, nil
	case "modula":
		return Modula, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("unknown distribution %q", name)
	}
}

func (k Kind) String() string {
	switch k {
	case Ketama:
		return "ketama"
	case Modula:
		return "modula"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// pointsPerHashStep and hashStepsPerUnit are the libmemcached-compatible
// ketama constants: 40 MD5 digests (hash steps) per unit of weight share,
// 4 points (one per 32-bit word) per digest, i.e. 160 points per unit.
const pointsPerHashStep = 4
const hashStepsPerUnit = 40

// ServerInfo is the minimal view of a backend server the continuum needs to
// build itself: its stable index within the owning pool, its display name
// (used as the ketama hash-point seed, matching "host:port:weight"),
// configured weight, and current liveness.
type ServerInfo struct {
	Index int
	Name string
	Weight int
	Live bool
}

// Entry is one continuum point: the server it resolves to and the hash
// value it sits at. Entries are sorted ascending by Hash.
type Entry struct {
	ServerIndex int
	Hash uint32
}

// Continuum is an immutable snapshot of a pool's key→server mapping. A
// rebuild produces a new Continuum; pool holds it behind a single pointer
// so readers either see the whole old value or the whole new one.
type Continuum struct {
	kind Kind
	hashFn hashfunc.Kind
	entries []Entry // sorted by Hash
	nServers int // total server slots, including dead ones (modula's nserver_continuum)
}

// Len returns the number of continuum points (ketama: hash points; modula:
// one per server slot; random: one per live server). This is distinct from
// nServers, which modula's lookup uses instead: the total slot count
// including dead servers, versus the live point count entries holds.
func (c *Continuum) Len() int { return len(c.entries) }

// Build constructs a new Continuum from the given servers, distribution
// kind, and hash function. servers must be indexed 0..len(servers)-1
// matching ServerInfo.Index; dead servers are included in modula's slot
// count but excluded from ketama's and random's point generation.
func Build(servers []ServerInfo, kind Kind, hfn hashfunc.Kind) *Continuum {
	switch kind {
	case Ketama:
		return buildKetama(servers, hfn)
	case Modula:
		return buildModula(servers)
	case Random:
		return buildRandom(servers)
	default:
		return buildKetama(servers, hfn)
	}
}

func liveServers(servers []ServerInfo) []ServerInfo {
	live := make([]ServerInfo, 0, len(servers))
	for _, s := range servers {
		if s.Live {
			live = append(live, s)
		}
	}
	return live
}

func totalWeight(servers []ServerInfo) int {
	total := 0
	for _, s := range servers {
		total += s.Weight
	}
	return total
}

// buildKetama emits 160*floor(weight*nlive/totalWeight) points per live
// server: each MD5 digest over "name-i" yields four points, one per
// little-endian 32-bit word, the way libmemcached's ketama generator works.
func buildKetama(servers []ServerInfo, hfn hashfunc.Kind) *Continuum {
	live := liveServers(servers)
	if len(live) == 0 {
		return &Continuum{kind: Ketama, hashFn: hfn, nServers: len(servers)}
	}

	total := totalWeight(live)
	entries := make([]Entry, 0, len(live)*hashStepsPerUnit*pointsPerHashStep)

	for _, s := range live {
		if total == 0 {
			continue
		}
		factor := (s.Weight * len(live)) / total
		steps := factor * hashStepsPerUnit
		for step := 0; step < steps; step++ {
			seed := fmt.Sprintf("%s-%d", s.Name, step)
			digest := md5.Sum([]byte(seed))
			for p := 0; p < pointsPerHashStep; p++ {
				off := p * 4
				h := uint32(digest[off]) | uint32(digest[off+1])<<8 |
					uint32(digest[off+2])<<16 | uint32(digest[off+3])<<24
				entries = append(entries, Entry{ServerIndex: s.Index, Hash: h})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })
	return &Continuum{kind: Ketama, hashFn: hfn, entries: entries, nServers: len(servers)}
}

// buildModula emits exactly one entry per server slot, live or dead, with
// Hash equal to the slot index. Lookup uses nServers (all slots), not
// len(entries).
func buildModula(servers []ServerInfo) *Continuum {
	entries := make([]Entry, len(servers))
	for i, s := range servers {
		entries[i] = Entry{ServerIndex: s.Index, Hash: uint32(i)}
	}
	return &Continuum{kind: Modula, entries: entries, nServers: len(servers)}
}

// buildRandom emits one entry per live server; Lookup for random ignores
// the key and returns a uniformly random entry.
func buildRandom(servers []ServerInfo) *Continuum {
	live := liveServers(servers)
	entries := make([]Entry, len(live))
	for i, s := range live {
		entries[i] = Entry{ServerIndex: s.Index, Hash: uint32(i)}
	}
	return &Continuum{kind: Random, entries: entries, nServers: len(servers)}
}

// Lookup resolves a raw key hash to a server index using this continuum's
// distribution rule. It never returns an error by itself; the caller
// (pool) decides whether the resolved server is currently dead.
func (c *Continuum) Lookup(hash uint32) (int, bool) {
	if len(c.entries) == 0 {
		return 0, false
	}

	switch c.kind {
	case Modula:
		if c.nServers == 0 {
			return 0, false
		}
		slot := int(hash) % c.nServers
		return c.entries[slot].ServerIndex, true
	case Random:
		return c.entries[rand.Intn(len(c.entries))].ServerIndex, true
	default: // Ketama
		idx := sort.Search(len(c.entries), func(i int) bool {
			return c.entries[i].Hash >= hash
		})
		if idx == len(c.entries) {
			idx = 0
		}
		return c.entries[idx].ServerIndex, true
	}
}

// HashKey hashes tagged key bytes with this continuum's configured hash
// function.
func (c *Continuum) HashKey(key []byte) uint32 {
	return hashfunc.Compute(c.hashFn, key)
}

// ExtractTag returns the substring of key between the first occurrence of
// open and the following occurrence of close, if both delimiters are
// configured (non-zero) and present in that order. Otherwise it returns key
// unchanged.
func ExtractTag(key []byte, open, close byte) []byte {
	if open == 0 || close == 0 {
		return key
	}
	start := -1
	for i, b := range key {
		if b == open {
			start = i
			break
		}
	}
	if start == -1 {
		return key
	}
	for i := start + 1; i < len(key); i++ {
		if key[i] == close {
			return key[start+1 : i]
		}
	}
	return key
}
