package auth

import "sync"

// Store looks up stored credential hashes by username.
type Store interface {
	// Lookup returns the stored hash for username, in
	// "iterations:salthex:hashhex" format.
	Lookup(username string) (hash string, ok bool)
}

// DefaultCredentials is the built-in credential set used when no
// external store is configured.
var DefaultCredentials = map[string]string{
	"Bob":   "100:86f9e2d8ef2edd0afb78a2cc702dcf98:e2be23bdd5e09982c7c72108275a6d78",
	"Alice": "100:a5a2fb65e1a0f4bedccfe04993f5583f:94397e3eade0511006ca3d31960f29e9",
	"Jack":  "100:aefd9e0b87e779663443885d631f9c8b:b9f0e34b2b4a422c70b5ddeff071590c",
}

// StaticStore is an in-memory credential store.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewStaticStore copies creds into a new store.
func NewStaticStore(creds map[string]string) *StaticStore {
	copied := make(map[string]string, len(creds))
	for user, hash := range creds {
		copied[user] = hash
	}
	return &StaticStore{creds: copied}
}

func (s *StaticStore) Lookup(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.creds[username]
	return hash, ok
}

// Put adds or replaces a credential. The error is always nil; the
// signature matches Importer.
func (s *StaticStore) Put(username, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[username] = hash
	return nil
}
