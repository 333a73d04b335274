package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IdentityKey is a controller's ed25519 keypair. The public half is
// registered in the NIB during admission; the private half signs challenge
// nonces and, for approving tiers, execution tokens.
type IdentityKey struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewIdentityKey generates a fresh keypair.
func NewIdentityKey() (*IdentityKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &IdentityKey{priv: priv, pub: pub}, nil
}

// IdentityKeyFromSeed rebuilds a keypair from a 32-byte seed, used when a
// controller restarts with persisted credentials.
func IdentityKeyFromSeed(seed []byte) (*IdentityKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d, need %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityKey{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the hex ed25519 signature of data.
func (k *IdentityKey) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// PublicKeyHex returns the hex-encoded public key.
func (k *IdentityKey) PublicKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// Private exposes the private key for JWT signing during credential
// issuance.
func (k *IdentityKey) Private() ed25519.PrivateKey {
	return k.priv
}

// Public exposes the raw public key.
func (k *IdentityKey) Public() ed25519.PublicKey {
	return k.pub
}

// VerifyEd25519 verifies a hex signature over data against a hex public key.
func VerifyEd25519(pubHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
