package httpsig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// KeyCacheTTL is how long a fetched public key stays fresh. Entries are
// evicted early on verification failure to tolerate key rotation; negative
// results are never cached.
const KeyCacheTTL = time.Hour

// Actor is the subset of a remote actor document needed for federation.
type Actor struct {
	ID           string
	Inbox        string
	PublicKeyID  string
	PublicKeyPEM string
}

// actorDocument mirrors the ActivityPub actor JSON shape.
type actorDocument struct {
	ID        string `json:"id"`
	Inbox     string `json:"inbox"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

type cachedKey struct {
	pem       string
	fetchedAt time.Time
}

// KeyCache fetches and caches remote public keys by key id. Readers hold
// the read lock; writers only on insert and evict. Fetches happen outside
// the lock so a slow remote never blocks verification of other requests.
type KeyCache struct {
	mu     sync.RWMutex
	keys   map[string]cachedKey
	ttl    time.Duration
	client *http.Client
	clock  func() time.Time
}

// NewKeyCache creates a cache with the default TTL and a 10 s HTTP timeout.
func NewKeyCache() *KeyCache {
	return &KeyCache{
		keys:   make(map[string]cachedKey),
		ttl:    KeyCacheTTL,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
}

// WithClient overrides the HTTP client for testing.
func (c *KeyCache) WithClient(client *http.Client) *KeyCache {
	c.client = client
	return c
}

// WithClock overrides the clock for testing.
func (c *KeyCache) WithClock(clock func() time.Time) *KeyCache {
	c.clock = clock
	return c
}

// Get returns the PEM public key for keyID, fetching it when absent or
// stale.
func (c *KeyCache) Get(ctx context.Context, keyID string) (string, error) {
	c.mu.RLock()
	entry, ok := c.keys[keyID]
	c.mu.RUnlock()
	if ok && c.clock().Sub(entry.fetchedAt) < c.ttl {
		return entry.pem, nil
	}

	doc, err := c.fetchActor(ctx, keyID)
	if err != nil {
		return "", err
	}
	if doc.PublicKey.PublicKeyPem == "" {
		return "", fmt.Errorf("httpsig: %s has no publicKey.publicKeyPem", keyID)
	}

	c.mu.Lock()
	c.keys[keyID] = cachedKey{pem: doc.PublicKey.PublicKeyPem, fetchedAt: c.clock()}
	c.mu.Unlock()
	return doc.PublicKey.PublicKeyPem, nil
}

// Evict drops the cached key for keyID.
func (c *KeyCache) Evict(keyID string) {
	c.mu.Lock()
	delete(c.keys, keyID)
	c.mu.Unlock()
}

// ResolveActor fetches a remote actor document and extracts the fields the
// federation layer needs: its inbox and public key.
func (c *KeyCache) ResolveActor(ctx context.Context, actorURL string) (Actor, error) {
	doc, err := c.fetchActor(ctx, actorURL)
	if err != nil {
		return Actor{}, err
	}
	if doc.Inbox == "" {
		return Actor{}, fmt.Errorf("httpsig: actor %s has no inbox", actorURL)
	}
	id := doc.ID
	if id == "" {
		id = actorURL
	}
	return Actor{
		ID:           id,
		Inbox:        doc.Inbox,
		PublicKeyID:  doc.PublicKey.ID,
		PublicKeyPEM: doc.PublicKey.PublicKeyPem,
	}, nil
}

func (c *KeyCache) fetchActor(ctx context.Context, url string) (actorDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return actorDocument{}, fmt.Errorf("httpsig: fetch %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/activity+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return actorDocument{}, fmt.Errorf("httpsig: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return actorDocument{}, fmt.Errorf("httpsig: fetch %s: status %d", url, resp.StatusCode)
	}

	var doc actorDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return actorDocument{}, fmt.Errorf("httpsig: fetch %s: decode: %w", url, err)
	}
	return doc, nil
}
