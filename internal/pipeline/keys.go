package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/reyvababtista/beiwe-backend-fork/internal/crypto"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
)

// KeyCache loads per-study private key material from the object store
// and caches the parsed keys for the process lifetime. Rotation events
// call Invalidate, after which the next lookup re-fetches.
type KeyCache struct {
	objects objstore.Store
	mu      sync.RWMutex
	cache   map[string]*crypto.KeyMaterial
}

// NewKeyCache creates a key cache backed by the object store.
func NewKeyCache(objects objstore.Store) *KeyCache {
	return &KeyCache{
		objects: objects,
		cache:   make(map[string]*crypto.KeyMaterial),
	}
}

// Get returns the key material for a study, fetching and parsing it on
// first use.
func (k *KeyCache) Get(ctx context.Context, s *study.Study) (*crypto.KeyMaterial, error) {
	k.mu.RLock()
	km, ok := k.cache[s.ID]
	k.mu.RUnlock()
	if ok {
		return km, nil
	}

	pemBytes, err := k.objects.Get(ctx, s.KeyObjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key material for study %s: %w", s.ID, err)
	}

	km, err = crypto.LoadKeyMaterial(s.ID, pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to load key material for study %s: %w", s.ID, err)
	}

	k.mu.Lock()
	k.cache[s.ID] = km
	k.mu.Unlock()
	return km, nil
}

// Invalidate drops a study's cached key material.
func (k *KeyCache) Invalidate(studyID string) {
	k.mu.Lock()
	delete(k.cache, studyID)
	k.mu.Unlock()
}
