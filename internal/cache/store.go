// Package cache keeps protected modules so that reproducible runs (fixed
// seed, same input and settings) are not computed twice. Entries are
// encrypted under the run seed; without the seed they cannot be read.
package cache

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"slices"

	"github.com/rogpeppe/go-internal/cache"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("constprot.cache")

// Store is an on-disk cache of protected modules.
type Store struct {
	fs *cache.Cache
}

// Open opens or creates a cache under dir.
func Open(dir string) (*Store, error) {
	// Use a subdirectory for the hashed entries, to allow other files next
	// to them later on without mixing.
	dir = filepath.Join(dir, "protected")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	fs, err := cache.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Store{fs: fs}, nil
}

// ActionID identifies a run by its input hash, its settings and its seed.
func ActionID(inputHash string, settings map[string]string, seed []byte) cache.ActionID {
	h := sha256.New()
	h.Write([]byte("constprot-action-v1\x00"))
	h.Write([]byte(inputHash))
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(settings[k]))
	}
	h.Write([]byte{0})
	// the seed itself is not recoverable from the id
	seedSum := sha256.Sum256(seed)
	h.Write(seedSum[:])
	var id cache.ActionID
	copy(id[:], h.Sum(nil))
	return id
}

// Get returns the entry for id, if any. Entries that fail to decrypt are
// reported as missing.
func (s *Store) Get(id cache.ActionID, seed []byte) ([]byte, bool) {
	data, _, err := s.fs.GetBytes(id)
	if err != nil {
		return nil, false
	}
	plain, err := Decrypt(data, seed)
	if err != nil {
		log.Warningf("ignoring cache entry %x: %v", id[:8], err)
		return nil, false
	}
	return plain, true
}

// Put stores data for id, encrypted under seed.
func (s *Store) Put(id cache.ActionID, seed, data []byte) error {
	enc, err := Encrypt(data, seed)
	if err != nil {
		return err
	}
	return s.fs.PutBytes(id, enc)
}
