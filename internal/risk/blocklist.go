package risk

import (
	"strings"
	"sync"
)

// Blocklist holds identities and origins flagged for hard rejection.
type Blocklist struct {
	mu         sync.RWMutex
	identities map[string]struct{}
	origins    map[string]struct{}
}

func NewBlocklist(identities, origins []string) *Blocklist {
	b := &Blocklist{
		identities: make(map[string]struct{}),
		origins:    make(map[string]struct{}),
	}
	for _, id := range identities {
		b.BlockIdentity(id)
	}
	for _, origin := range origins {
		b.BlockOrigin(origin)
	}
	return b
}

func (b *Blocklist) BlockIdentity(key string) {
	key = normalize(key)
	if key == "" {
		return
	}
	b.mu.Lock()
	b.identities[key] = struct{}{}
	b.mu.Unlock()
}

func (b *Blocklist) BlockOrigin(origin string) {
	origin = normalize(origin)
	if origin == "" {
		return
	}
	b.mu.Lock()
	b.origins[origin] = struct{}{}
	b.mu.Unlock()
}

func (b *Blocklist) Unblock(key string) {
	key = normalize(key)
	b.mu.Lock()
	delete(b.identities, key)
	delete(b.origins, key)
	b.mu.Unlock()
}

// Match returns the blocked entry hit by the identity key or origin, if any.
func (b *Blocklist) Match(identityKey, origin string) (string, bool) {
	if b == nil {
		return "", false
	}
	identityKey = normalize(identityKey)
	origin = normalize(origin)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.identities[identityKey]; ok && identityKey != "" {
		return identityKey, true
	}
	if _, ok := b.origins[origin]; ok && origin != "" {
		return origin, true
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
