package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrInvalidKey is returned for keys that are not configured.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrKeyDisabled is returned for configured keys marked disabled.
	ErrKeyDisabled = errors.New("API key disabled")
)

// Validator checks presented keys against the configured set. Keys are
// indexed by their SHA-256 digest and compared in constant time.
type Validator struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte]*APIKey
}

// NewValidator creates a validator for keys.
func NewValidator(keys []*APIKey) *Validator {
	v := &Validator{keys: make(map[[sha256.Size]byte]*APIKey, len(keys))}
	for _, k := range keys {
		v.keys[sha256.Sum256([]byte(k.Key))] = k
	}
	return v
}

// Validate returns the key matching presented.
func (v *Validator) Validate(presented string) (*APIKey, error) {
	digest := sha256.Sum256([]byte(presented))

	v.mu.RLock()
	key, ok := v.keys[digest]
	v.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare([]byte(key.Key), []byte(presented)) != 1 {
		return nil, ErrInvalidKey
	}
	if !key.Enabled {
		return nil, ErrKeyDisabled
	}
	return key, nil
}

// Add registers or replaces a key.
func (v *Validator) Add(key *APIKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[sha256.Sum256([]byte(key.Key))] = key
}

// Remove drops a key.
func (v *Validator) Remove(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, sha256.Sum256([]byte(key)))
}

// Actors lists the actors of every configured key, sorted.
func (v *Validator) Actors() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	actors := make([]string, 0, len(v.keys))
	for _, k := range v.keys {
		actors = append(actors, k.Actor)
	}
	sort.Strings(actors)
	return actors
}
