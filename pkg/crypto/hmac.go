// Package crypto holds the PDSNO signing primitives: HMAC-SHA256 message
// authentication for the inter-controller fabric, a per-peer-pair keyring
// with rotation, and ed25519 identity keys used during admission.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MinSecretLen is the minimum accepted shared-secret length in bytes.
const MinSecretLen = 32

// SignHMAC returns the hex HMAC-SHA256 of data under key.
func SignHMAC(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC recomputes the HMAC of data and compares it with sigHex in
// constant time.
func VerifyHMAC(key, data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), sig)
}

// BootstrapToken derives the first-contact proof of authorization: an HMAC
// over "temp_id|region|role" under the pre-shared bootstrap secret.
func BootstrapToken(secret []byte, tempID, region, role string) string {
	payload := strings.Join([]string{tempID, region, role}, "|")
	return SignHMAC(secret, []byte(payload))
}

// CheckSecret rejects secrets shorter than MinSecretLen.
func CheckSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return fmt.Errorf("secret too short: %d bytes, need at least %d", len(secret), MinSecretLen)
	}
	return nil
}
