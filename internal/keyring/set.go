package keyring

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Source is the raw configuration of one ring.
type Source struct {
	Keys     string
	ActiveID string
	LegacyID string
}

// LegacyPolicy decides whether data without a key id may still be checked
// against the ring's legacy key. A zero Until means no cutoff.
type LegacyPolicy struct {
	Enabled bool
	Until   time.Time
}

// Allows reports whether the fallback applies at now.
func (p LegacyPolicy) Allows(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.Until.IsZero() || now.Before(p.Until)
}

// Config is the key configuration for every purpose. With ActiveFallback set,
// an active id that names no configured key selects the first key instead of
// failing the build.
type Config struct {
	Sources        map[Purpose]Source
	Legacy         LegacyPolicy
	ActiveFallback bool
}

// Set groups the rings of all configured purposes.
type Set struct {
	rings     map[Purpose]*Ring
	legacy    LegacyPolicy
	fallbacks map[Purpose]string
}

// Build parses every configured source. Purposes with an empty source are
// left out and fail with ErrKeyNotConfigured when used.
func Build(cfg Config) (*Set, error) {
	s := &Set{
		rings:     make(map[Purpose]*Ring, len(cfg.Sources)),
		legacy:    cfg.Legacy,
		fallbacks: make(map[Purpose]string),
	}
	for _, purpose := range Purposes {
		src, ok := cfg.Sources[purpose]
		if !ok {
			continue
		}
		keys, err := ParseSource(src.Keys)
		if err != nil {
			return nil, fmt.Errorf("%s keys: %w", purpose, err)
		}
		if len(keys) == 0 {
			continue
		}
		activeID := strings.TrimSpace(src.ActiveID)
		if cfg.ActiveFallback && activeID != "" && !hasKey(keys, activeID) {
			s.fallbacks[purpose] = activeID
			activeID = ""
		}
		ring, err := NewRing(purpose, keys, activeID, src.LegacyID)
		if err != nil {
			return nil, err
		}
		s.rings[purpose] = ring
	}
	return s, nil
}

func hasKey(keys []Key, id string) bool {
	for _, k := range keys {
		if k.ID == id {
			return true
		}
	}
	return false
}

// ActiveFallbacks maps each purpose whose configured active id was unknown
// to that id. Its ring runs on the first configured key.
func (s *Set) ActiveFallbacks() map[Purpose]string {
	out := make(map[Purpose]string, len(s.fallbacks))
	for p, id := range s.fallbacks {
		out[p] = id
	}
	return out
}

// NewSet assembles a set from prebuilt rings.
func NewSet(legacy LegacyPolicy, rings ...*Ring) *Set {
	s := &Set{rings: make(map[Purpose]*Ring, len(rings)), legacy: legacy}
	for _, r := range rings {
		s.rings[r.purpose] = r
	}
	return s
}

// Ring returns the ring for purpose.
func (s *Set) Ring(purpose Purpose) (*Ring, error) {
	r, ok := s.rings[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: no %s keys", ErrKeyNotConfigured, purpose)
	}
	return r, nil
}

// Resolve returns key material for purpose and kid (active key when kid is empty).
func (s *Set) Resolve(purpose Purpose, kid string) ([]byte, error) {
	r, err := s.Ring(purpose)
	if err != nil {
		return nil, err
	}
	return r.Resolve(kid)
}

// ActiveKey returns the active key of purpose.
func (s *Set) ActiveKey(purpose Purpose) (Key, error) {
	r, err := s.Ring(purpose)
	if err != nil {
		return Key{}, err
	}
	return r.Active(), nil
}

// LegacyKey returns the key assumed for untagged data, if the policy still allows it at now.
func (s *Set) LegacyKey(purpose Purpose, now time.Time) (Key, error) {
	r, err := s.Ring(purpose)
	if err != nil {
		return Key{}, err
	}
	if !s.legacy.Allows(now) {
		return Key{}, fmt.Errorf("%w: untagged %s data no longer accepted", ErrKeyIDUnknown, purpose)
	}
	return Key{ID: r.legacyID, Material: r.keys[r.legacyID]}, nil
}

// Legacy returns the legacy fallback policy.
func (s *Set) Legacy() LegacyPolicy { return s.legacy }

// Require fails with ErrKeyNotConfigured unless every listed purpose has a ring.
func (s *Set) Require(purposes ...Purpose) error {
	for _, p := range purposes {
		if _, err := s.Ring(p); err != nil {
			return err
		}
	}
	return nil
}

// Lazy parses its configuration on first use, exactly once, even when many
// goroutines ask for the set at the same time.
type Lazy struct {
	once sync.Once
	cfg  Config
	set  *Set
	err  error
}

// NewLazy wraps cfg for deferred parsing.
func NewLazy(cfg Config) *Lazy {
	return &Lazy{cfg: cfg}
}

// Get returns the parsed set, parsing it on the first call.
func (l *Lazy) Get() (*Set, error) {
	l.once.Do(func() {
		l.set, l.err = Build(l.cfg)
	})
	return l.set, l.err
}
