package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives and serves per-peer-pair HMAC secrets from a master
// secret. Both sides of a pair derive the same key without a lookup
// round-trip because derivation is keyed on the sorted pair of controller
// IDs. Rotation installs a new master; the previous one stays valid for a
// grace period equal to the envelope freshness window, so in-flight messages
// still verify.
type Keyring struct {
	mu        sync.RWMutex
	master    []byte
	previous  []byte
	rotatedAt time.Time
	grace     time.Duration
	clock     func() time.Time
}

// NewKeyring creates a keyring from a master secret of at least MinSecretLen
// bytes.
func NewKeyring(master []byte, grace time.Duration) (*Keyring, error) {
	if err := CheckSecret(master); err != nil {
		return nil, err
	}
	return &Keyring{
		master: append([]byte(nil), master...),
		grace:  grace,
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (k *Keyring) WithClock(clock func() time.Time) *Keyring {
	k.clock = clock
	return k
}

// PairKeyID returns the deterministic key identifier for a controller pair.
// Both sides compute the same ID regardless of argument order.
func PairKeyID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:8])
}

// PairKey derives the 32-byte HMAC secret shared by controllers a and b
// under the current master.
func (k *Keyring) PairKey(a, b string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return derivePairKey(k.master, a, b)
}

// PreviousPairKey derives the pair key under the pre-rotation master, or nil
// when no rotation is inside the grace period.
func (k *Keyring) PreviousPairKey(a, b string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.previous == nil || k.clock().Sub(k.rotatedAt) > k.grace {
		return nil, nil
	}
	return derivePairKey(k.previous, a, b)
}

// Rotate replaces the master secret. The outgoing master remains usable for
// verification for the configured grace period.
func (k *Keyring) Rotate(master []byte) error {
	if err := CheckSecret(master); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous = k.master
	k.master = append([]byte(nil), master...)
	k.rotatedAt = k.clock()
	return nil
}

func derivePairKey(master []byte, a, b string) ([]byte, error) {
	ids := []string{a, b}
	sort.Strings(ids)
	r := hkdf.New(sha256.New, master, nil, []byte("pdsno/pair/"+strings.Join(ids, "|")))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pair key derivation failed: %w", err)
	}
	return key, nil
}
