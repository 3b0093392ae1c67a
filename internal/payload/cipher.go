// Package payload seals structured payloads with AES-256-GCM under the
// payload-encryption key ring. Every envelope records the id of the key that
// sealed it so it can still be opened after the active key changes.
package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"profilevault.org/internal/keyring"
	"profilevault.org/internal/obs"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

var hkdfInfo = []byte("profilevault.payload.v1")

var (
	// ErrIntegrityCheckFailed covers every way an envelope can fail to authenticate.
	ErrIntegrityCheckFailed = errors.New("payload: integrity check failed")
	// ErrEmptyPayload is returned when there is nothing to seal.
	ErrEmptyPayload = errors.New("payload: empty payload")
)

// Cipher encrypts and decrypts envelopes. It is safe for concurrent use.
type Cipher struct {
	keys   *keyring.Set
	aeads  map[string]cipher.AEAD
	now    func() time.Time
	random io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithClock overrides the time source used for the legacy fallback cutoff.
func WithClock(fn func() time.Time) Option {
	return func(c *Cipher) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRandom overrides the nonce source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.random = r
		}
	}
}

// NewCipher prepares an AEAD for every key in the payload-encryption ring.
// Secrets of exactly 32 bytes are used as-is; others are stretched with HKDF-SHA256.
func NewCipher(keys *keyring.Set, opts ...Option) (*Cipher, error) {
	ring, err := keys.Ring(keyring.PayloadEncryption)
	if err != nil {
		return nil, err
	}
	c := &Cipher{
		keys:   keys,
		aeads:  make(map[string]cipher.AEAD, ring.Len()),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, k := range ring.Keys() {
		aead, err := newAEAD(k.Material)
		if err != nil {
			return nil, fmt.Errorf("payload: key %q: %w", k.ID, err)
		}
		c.aeads[k.ID] = aead
	}
	return c, nil
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	key := material
	if len(key) != KeySize {
		derived := make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), derived); err != nil {
			return nil, err
		}
		key = derived
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt serializes v as JSON and seals it with the active key.
func (c *Cipher) Encrypt(v any) (Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		obs.ObserveCipher("encrypt", "error")
		return Envelope{}, fmt.Errorf("payload: encode: %w", err)
	}
	return c.Seal(plaintext)
}

// Seal encrypts raw bytes with the active key under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) (Envelope, error) {
	if len(plaintext) == 0 {
		obs.ObserveCipher("encrypt", "error")
		return Envelope{}, ErrEmptyPayload
	}
	active, err := c.keys.ActiveKey(keyring.PayloadEncryption)
	if err != nil {
		obs.ObserveCipher("encrypt", "error")
		return Envelope{}, err
	}
	aead, ok := c.aeads[active.ID]
	if !ok {
		obs.ObserveCipher("encrypt", "error")
		return Envelope{}, fmt.Errorf("%w: %q", keyring.ErrKeyIDUnknown, active.ID)
	}

	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		obs.ObserveCipher("encrypt", "error")
		return Envelope{}, fmt.Errorf("payload: nonce: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, associatedData(active.ID))
	split := len(sealed) - TagSize
	obs.ObserveCipher("encrypt", "ok")
	return Envelope{
		KeyID:      active.ID,
		IV:         iv,
		AuthTag:    sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Decrypt opens env and decodes the JSON payload into v.
func (c *Cipher) Decrypt(env Envelope, v any) error {
	plaintext, err := c.Open(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("payload: decode: %w", err)
	}
	return nil
}

// Open authenticates and decrypts env. Envelopes without a key id are
// checked against the ring's legacy key while the legacy policy allows it.
func (c *Cipher) Open(env Envelope) ([]byte, error) {
	kid := env.KeyID
	if kid == "" {
		legacy, err := c.keys.LegacyKey(keyring.PayloadEncryption, c.now())
		if err != nil {
			obs.ObserveCipher("decrypt", "unknown_key")
			return nil, err
		}
		kid = legacy.ID
	}
	aead, ok := c.aeads[kid]
	if !ok {
		obs.ObserveCipher("decrypt", "unknown_key")
		return nil, fmt.Errorf("%w: %q", keyring.ErrKeyIDUnknown, kid)
	}
	if len(env.IV) != NonceSize || len(env.AuthTag) != TagSize {
		obs.ObserveCipher("decrypt", "integrity")
		return nil, fmt.Errorf("%w: malformed nonce or tag", ErrIntegrityCheckFailed)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := aead.Open(nil, env.IV, sealed, associatedData(env.KeyID))
	if err != nil {
		obs.ObserveCipher("decrypt", "integrity")
		return nil, ErrIntegrityCheckFailed
	}
	obs.ObserveCipher("decrypt", "ok")
	return plaintext, nil
}

// associatedData binds the declared key id into the tag. Untagged legacy
// envelopes were sealed without associated data.
func associatedData(kid string) []byte {
	if kid == "" {
		return nil
	}
	return []byte(kid)
}
