// Package store is the info-hash -> []Endpoint value store a store
// query announces into and a find_value query reads from. It caps the
// number of distinct info-hashes tracked with an LRU, the same idiom
// as klaytn's common/cache.go lruCache wrapper around
// github.com/hashicorp/golang-lru.
package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/knewter/dht/nodeid"
)

// DefaultCapacity bounds the number of distinct info-hashes tracked at
// once, evicting the least-recently-used when exceeded.
const DefaultCapacity = 10000

// MaxPeersPerHash bounds how many announced endpoints are kept per
// info-hash, oldest dropped first, so a single popular torrent cannot
// grow without bound.
const MaxPeersPerHash = 200

// Store is the value store: store.find(ID) -> []Endpoint,
// store.store(ID, Endpoint).
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache // InfoHash -> *entry
}

type entry struct {
	peers []nodeid.Endpoint
}

// New creates a Store with DefaultCapacity.
func New() *Store {
	c, err := lru.New(DefaultCapacity)
	if err != nil {
		// lru.New only fails for a non-positive size, which
		// DefaultCapacity never is.
		panic(err)
	}
	return &Store{cache: c}
}

// Find returns the endpoints announced for id, in the order they were
// first announced.
func (s *Store) Find(id nodeid.InfoHash) []nodeid.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	out := make([]nodeid.Endpoint, len(e.peers))
	copy(out, e.peers)
	return out
}

// StoreEndpoint records that ep is reachable for id, deduplicating by
// (ip, port).
func (s *Store) StoreEndpoint(id nodeid.InfoHash, ep nodeid.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e *entry
	if v, ok := s.cache.Get(id); ok {
		e = v.(*entry)
	} else {
		e = &entry{}
	}
	for _, existing := range e.peers {
		if existing.Equal(ep) {
			s.cache.Add(id, e)
			return
		}
	}
	e.peers = append(e.peers, ep)
	if len(e.peers) > MaxPeersPerHash {
		e.peers = e.peers[len(e.peers)-MaxPeersPerHash:]
	}
	s.cache.Add(id, e)
}
