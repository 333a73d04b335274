package approval

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pdsno/pdsno/pkg/canonicalize"
	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/model"
)

// Token verification failures.
var (
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenConsumed   = errors.New("token already consumed")
	ErrTokenScope      = errors.New("token scope mismatch")
	ErrTokenSignature  = errors.New("token signature invalid")
	ErrTokenConstraint = errors.New("token constraint violated")
)

// Token TTLs by sensitivity. Riskier changes get less time to act.
const (
	TTLLow       = 30 * time.Minute
	TTLMedium    = 15 * time.Minute
	TTLHigh      = 5 * time.Minute
	TTLEmergency = 2 * time.Minute
)

// TokenTTL returns the validity window for a sensitivity class.
func TokenTTL(s model.Sensitivity) time.Duration {
	switch s {
	case model.SensitivityMedium:
		return TTLMedium
	case model.SensitivityHigh:
		return TTLHigh
	case model.SensitivityEmergency:
		return TTLEmergency
	default:
		return TTLLow
	}
}

// TokenIssuer mints execution tokens signed with the approving
// controller's identity key.
type TokenIssuer struct {
	id    string
	key   *crypto.IdentityKey
	clock func() time.Time
}

// NewTokenIssuer creates an issuer.
func NewTokenIssuer(id string, key *crypto.IdentityKey) *TokenIssuer {
	return &TokenIssuer{id: id, key: key, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (i *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	i.clock = clock
	return i
}

// Issue mints a single-use token bound to the request, its config hash, and
// its exact device scope.
func (i *TokenIssuer) Issue(req *model.ConfigRequest, sensitivity model.Sensitivity, constraints model.TokenConstraints) (*model.ExecutionToken, error) {
	now := i.clock().UTC()
	token := &model.ExecutionToken{
		TokenID:     uuid.NewString(),
		RequestID:   req.RequestID,
		ConfigHash:  req.ConfigHash,
		Scope:       sortedCopy(req.TargetDevices),
		IssuerID:    i.id,
		IssuedAt:    now,
		ExpiresAt:   now.Add(TokenTTL(sensitivity)),
		MaxUses:     1,
		Constraints: constraints,
	}
	base, err := tokenSigningBase(token)
	if err != nil {
		return nil, err
	}
	token.Signature = i.key.Sign(base)
	return token, nil
}

// VerifyToken checks a presented token against the invariants: signature
// under the issuer's public key, unexpired, unconsumed, scope exactly
// matching the executing request's devices, and timing constraints.
func VerifyToken(t *model.ExecutionToken, issuerPubHex string, targets []string, now time.Time) error {
	base, err := tokenSigningBase(t)
	if err != nil {
		return err
	}
	valid, err := crypto.VerifyEd25519(issuerPubHex, t.Signature, base)
	if err != nil || !valid {
		return ErrTokenSignature
	}

	if !now.Before(t.ExpiresAt) {
		return ErrTokenExpired
	}
	if t.ConsumedAt != nil || t.MaxUses < 1 {
		return ErrTokenConsumed
	}
	if !scopeEqual(t.Scope, targets) {
		return ErrTokenScope
	}
	if !t.Constraints.NotBefore.IsZero() && now.Before(t.Constraints.NotBefore) {
		return fmt.Errorf("%w: not valid before %s", ErrTokenConstraint, t.Constraints.NotBefore.Format(time.RFC3339))
	}
	return nil
}

// tokenSigningBase canonicalizes the token with its mutable fields cleared;
// the signature covers everything fixed at issuance.
func tokenSigningBase(t *model.ExecutionToken) ([]byte, error) {
	c := *t
	c.Signature = ""
	c.ConsumedAt = nil
	base, err := canonicalize.JCS(&c)
	if err != nil {
		return nil, fmt.Errorf("canonicalize token: %w", err)
	}
	return base, nil
}

func scopeEqual(scope, targets []string) bool {
	if len(scope) != len(targets) {
		return false
	}
	t := sortedCopy(targets)
	for i, s := range scope {
		if s != t[i] {
			return false
		}
	}
	return true
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
