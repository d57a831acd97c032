package state

import (
	"sort"
	"sync"
	"time"
)

// PeerKey identifies a connection across servers; ids are only unique per server.
type PeerKey struct {
	Server string
	ID     int
}

type Peer struct {
	PeerKey
	Remote      string
	ConnectedAt time.Time
	EvictedAt   time.Time

	BytesIn  int64
	BytesOut int64
}

type PeerStore struct {
	mu    sync.RWMutex
	peers map[PeerKey]Peer
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: map[PeerKey]Peer{}}
}

// Upsert records a connection. Ids are reused by servers, so a connect on a
// known key starts a fresh session.
func (s *PeerStore) Upsert(key PeerKey, remote string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.peers[key] = Peer{PeerKey: key, Remote: remote, ConnectedAt: now}
}

func (s *PeerStore) Remove(key PeerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[key]
	delete(s.peers, key)
	return ok
}

// AddTraffic accumulates payload bytes; unknown keys are ignored.
func (s *PeerStore) AddTraffic(key PeerKey, in, out int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	if !ok {
		return
	}
	p.BytesIn += int64(in)
	p.BytesOut += int64(out)
	s.peers[key] = p
}

// Count returns peers that have not been evicted.
func (s *PeerStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.EvictedAt.IsZero() {
			n++
		}
	}
	return n
}

func (s *PeerStore) IsEvicted(key PeerKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[key]
	return ok && !p.EvictedAt.IsZero()
}

// SweepEvict marks peers connected longer than maxAge as evicted and
// returns them. An evicted peer stays in the store until Remove.
func (s *PeerStore) SweepEvict(now time.Time, maxAge time.Duration) []PeerKey {
	if maxAge <= 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []PeerKey
	for key, p := range s.peers {
		if !p.EvictedAt.IsZero() {
			continue
		}
		if now.Sub(p.ConnectedAt) >= maxAge {
			p.EvictedAt = now
			s.peers[key] = p
			evicted = append(evicted, key)
		}
	}
	sortKeys(evicted)
	return evicted
}

// List returns a snapshot ordered by server, then id.
func (s *PeerStore) List() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].PeerKey, out[j].PeerKey) })
	return out
}

func less(a, b PeerKey) bool {
	if a.Server != b.Server {
		return a.Server < b.Server
	}
	return a.ID < b.ID
}

func sortKeys(keys []PeerKey) {
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}
