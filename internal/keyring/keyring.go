// Package keyring holds the named signing and encryption keys used by the
// token and payload services. Each purpose has its own ring; one key per ring
// is active for new operations and every other configured key stays
// resolvable so that credentials and ciphertexts produced before a rotation
// keep verifying.
package keyring

import (
	"errors"
	"fmt"
	"strings"
)

// Purpose identifies what a ring's keys are used for.
type Purpose string

const (
	AccessSigning     Purpose = "access"
	RefreshSigning    Purpose = "refresh"
	PayloadEncryption Purpose = "payload"
)

// Purposes lists every purpose in a stable order.
var Purposes = []Purpose{AccessSigning, RefreshSigning, PayloadEncryption}

func (p Purpose) String() string { return string(p) }

var (
	// ErrKeyNotConfigured means the purpose has no usable keys.
	ErrKeyNotConfigured = errors.New("keyring: key not configured")
	// ErrKeyIDUnknown means a specific key id was requested but is not in the ring.
	ErrKeyIDUnknown = errors.New("keyring: key id unknown")
	// ErrInvalidSource means the key source string could not be parsed.
	ErrInvalidSource = errors.New("keyring: invalid key source")
)

// Key is a single named secret.
type Key struct {
	ID       string
	Material []byte
}

// Ring is an immutable set of keys for one purpose.
type Ring struct {
	purpose  Purpose
	keys     map[string][]byte
	order    []string
	activeID string
	legacyID string
}

// NewRing builds a ring from keys in configuration order. An empty activeID
// selects the first key. A non-empty activeID or legacyID that matches no key
// is a misconfiguration.
func NewRing(purpose Purpose, keys []Key, activeID, legacyID string) (*Ring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s ring is empty", ErrKeyNotConfigured, purpose)
	}
	r := &Ring{
		purpose: purpose,
		keys:    make(map[string][]byte, len(keys)),
		order:   make([]string, 0, len(keys)),
	}
	for _, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("%w: empty key id", ErrInvalidSource)
		}
		if len(k.Material) == 0 {
			return nil, fmt.Errorf("%w: key %q has no material", ErrInvalidSource, k.ID)
		}
		if _, dup := r.keys[k.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidSource, k.ID)
		}
		material := make([]byte, len(k.Material))
		copy(material, k.Material)
		r.keys[k.ID] = material
		r.order = append(r.order, k.ID)
	}

	activeID = strings.TrimSpace(activeID)
	if activeID == "" {
		activeID = r.order[0]
	}
	if _, ok := r.keys[activeID]; !ok {
		return nil, fmt.Errorf("%w: active key %q not in %s ring", ErrKeyNotConfigured, activeID, purpose)
	}
	r.activeID = activeID

	legacyID = strings.TrimSpace(legacyID)
	if legacyID == "" {
		legacyID = activeID
	}
	if _, ok := r.keys[legacyID]; !ok {
		return nil, fmt.Errorf("%w: legacy key %q not in %s ring", ErrKeyNotConfigured, legacyID, purpose)
	}
	r.legacyID = legacyID
	return r, nil
}

// Purpose returns the ring's purpose.
func (r *Ring) Purpose() Purpose { return r.purpose }

// Len returns the number of keys in the ring.
func (r *Ring) Len() int { return len(r.order) }

// IDs returns key ids in configuration order.
func (r *Ring) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ActiveID returns the id used for new sign/encrypt operations.
func (r *Ring) ActiveID() string { return r.activeID }

// LegacyID returns the id assumed for data that carries no key id.
func (r *Ring) LegacyID() string { return r.legacyID }

// Active returns the active key.
func (r *Ring) Active() Key {
	return Key{ID: r.activeID, Material: r.keys[r.activeID]}
}

// Resolve returns the material for kid. An empty kid resolves the active key.
func (r *Ring) Resolve(kid string) ([]byte, error) {
	if kid == "" {
		return r.keys[r.activeID], nil
	}
	material, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s ring", ErrKeyIDUnknown, kid, r.purpose)
	}
	return material, nil
}

// Keys returns every key in configuration order.
func (r *Ring) Keys() []Key {
	out := make([]Key, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Key{ID: id, Material: r.keys[id]})
	}
	return out
}

// ParseSource parses a comma-separated list of "id:secret" pairs or bare
// secrets. Bare secrets get the id "k<n>" where n is the 1-based position of
// the entry. Secrets containing ':' must be given with an explicit id.
func ParseSource(src string) ([]Key, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	entries := strings.Split(src, ",")
	keys := make([]Key, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("%w: entry %d is empty", ErrInvalidSource, i+1)
		}
		id, secret, found := strings.Cut(entry, ":")
		if !found {
			id, secret = fmt.Sprintf("k%d", i+1), entry
		}
		id = strings.TrimSpace(id)
		secret = strings.TrimSpace(secret)
		if id == "" || secret == "" {
			return nil, fmt.Errorf("%w: entry %d needs both id and secret", ErrInvalidSource, i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", ErrInvalidSource, id)
		}
		seen[id] = struct{}{}
		keys = append(keys, Key{ID: id, Material: []byte(secret)})
	}
	return keys, nil
}
