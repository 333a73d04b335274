package admission

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pdsno/pdsno/pkg/crypto"
)

// CertificateTTL bounds the validity of issued identity certificates.
const CertificateTTL = 365 * 24 * time.Hour

// DelegationTTL bounds the validity of delegation credentials; regional
// controllers re-admit before it lapses.
const DelegationTTL = 90 * 24 * time.Hour

// ActionAdmitLocal is the permitted action a delegation credential grants.
const ActionAdmitLocal = "admit_local"

// CertificateClaims is the signed identity assertion issued at step 6. The
// subject is the assigned controller ID; the issuer is the admitting parent.
type CertificateClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Region    string `json:"region,omitempty"`
	PublicKey string `json:"public_key"`
}

// DelegationClaims authorizes the subject to perform Actions within Scope.
type DelegationClaims struct {
	jwt.RegisteredClaims
	Scope   string   `json:"scope"`
	Actions []string `json:"actions"`
}

// IssueCertificate signs an identity certificate for the admitted
// controller.
func IssueCertificate(key *crypto.IdentityKey, issuerID, subjectID, role, region, subjectPub string, now time.Time) (string, error) {
	claims := CertificateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerID,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(CertificateTTL)),
		},
		Role:      role,
		Region:    region,
		PublicKey: subjectPub,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key.Private())
	if err != nil {
		return "", fmt.Errorf("sign certificate: %w", err)
	}
	return signed, nil
}

// VerifyCertificate checks the certificate against the issuer's public key
// and returns its claims.
func VerifyCertificate(token string, issuerPub ed25519.PublicKey) (*CertificateClaims, error) {
	var claims CertificateClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return issuerPub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("certificate rejected: %w", err)
	}
	return &claims, nil
}

// IssueDelegation signs a credential authorizing subjectID to admit local
// controllers in region.
func IssueDelegation(key *crypto.IdentityKey, issuerID, subjectID, region string, now time.Time) (string, error) {
	claims := DelegationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerID,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DelegationTTL)),
		},
		Scope:   "region:" + region,
		Actions: []string{ActionAdmitLocal},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key.Private())
	if err != nil {
		return "", fmt.Errorf("sign delegation: %w", err)
	}
	return signed, nil
}

// VerifyDelegation checks the credential against the issuer's public key and
// confirms it grants admit_local within the given region.
func VerifyDelegation(token string, issuerPub ed25519.PublicKey, region string) (*DelegationClaims, error) {
	var claims DelegationClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return issuerPub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("delegation rejected: %w", err)
	}
	if claims.Scope != "region:"+region {
		return nil, fmt.Errorf("delegation scope %q does not cover region %q", claims.Scope, region)
	}
	for _, a := range claims.Actions {
		if a == ActionAdmitLocal {
			return &claims, nil
		}
	}
	return nil, fmt.Errorf("delegation does not grant %s", ActionAdmitLocal)
}
