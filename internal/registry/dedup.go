package registry

import (
	"strings"
	"sync"
	"time"
)

// OfferDedup remembers recently seen call offers so that duplicates arriving
// through reconnect races are suppressed instead of re-broadcast. An offer
// is identified by session key, sender and a truncated SDP fingerprint.
type OfferDedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewOfferDedup(window time.Duration) *OfferDedup {
	return &OfferDedup{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func dedupKey(sessionKey, senderID, fingerprint string) string {
	return sessionKey + "\x00" + senderID + "\x00" + fingerprint
}

// Duplicate reports whether this offer was already seen inside the window,
// recording it if not. Expired entries are swept on each call, which bounds
// the map without a dedicated goroutine.
func (d *OfferDedup) Duplicate(sessionKey, senderID, fingerprint string) bool {
	key := dedupKey(sessionKey, senderID, fingerprint)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, ts := range d.seen {
		if now.Sub(ts) > d.window {
			delete(d.seen, k)
		}
	}

	if ts, ok := d.seen[key]; ok && now.Sub(ts) <= d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// DropSession releases every entry scoped to the session key, called when a
// call tears down or a session's grace window expires.
func (d *OfferDedup) DropSession(sessionKey string) {
	prefix := sessionKey + "\x00"
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if strings.HasPrefix(k, prefix) {
			delete(d.seen, k)
		}
	}
}

// Len reports the number of live entries.
func (d *OfferDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
