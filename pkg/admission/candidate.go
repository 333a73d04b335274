package admission

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/model"
)

// ErrAdmissionDenied wraps a parent's named failure reason.
var ErrAdmissionDenied = errors.New("admission denied")

// Identity is the credential set an admitted controller operates under.
type Identity struct {
	ControllerID string
	Role         model.Role
	Region       string
	Certificate  string
	Delegation   string
}

// Candidate is the joining side of the protocol. It holds the pre-shared
// bootstrap secret and the keypair whose public half the parent will bind
// into the certificate.
type Candidate struct {
	tempID          string
	role            model.Role
	region          string
	key             *crypto.IdentityKey
	bootstrapSecret []byte
	parentPub       ed25519.PublicKey
	rootPub         ed25519.PublicKey
	clock           func() time.Time
}

// NewCandidate creates a candidate. parentPub verifies the certificate in
// the VALIDATION_RESULT; rootPub verifies the parent's delegation credential
// when joining under a regional controller (pass the parent's key again when
// joining the global controller directly).
func NewCandidate(tempID string, role model.Role, region string, key *crypto.IdentityKey, bootstrapSecret []byte, parentPub, rootPub ed25519.PublicKey) (*Candidate, error) {
	if role == model.RoleGlobal {
		return nil, fmt.Errorf("the global controller is not admitted, it bootstraps the hierarchy")
	}
	if !role.Valid() || region == "" {
		return nil, fmt.Errorf("candidate requires a valid role and region")
	}
	if err := crypto.CheckSecret(bootstrapSecret); err != nil {
		return nil, err
	}
	return &Candidate{
		tempID:          tempID,
		role:            role,
		region:          region,
		key:             key,
		bootstrapSecret: bootstrapSecret,
		parentPub:       parentPub,
		rootPub:         rootPub,
		clock:           time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Candidate) WithClock(clock func() time.Time) *Candidate {
	c.clock = clock
	return c
}

// Request builds the step-1 VALIDATION_REQUEST.
func (c *Candidate) Request() *ValidationRequest {
	return &ValidationRequest{
		TempID:         c.tempID,
		Role:           string(c.role),
		Region:         c.region,
		PublicKey:      c.key.PublicKeyHex(),
		BootstrapToken: crypto.BootstrapToken(c.bootstrapSecret, c.tempID, c.region, string(c.role)),
		Timestamp:      c.clock(),
	}
}

// Respond answers the step-4 challenge by signing the nonce with the
// candidate's private key.
func (c *Candidate) Respond(ch *Challenge) (*ChallengeResponse, error) {
	nonce, err := base64.StdEncoding.DecodeString(ch.Nonce)
	if err != nil {
		return nil, fmt.Errorf("challenge nonce undecodable: %w", err)
	}
	return &ChallengeResponse{
		ChallengeID: ch.ChallengeID,
		Signature:   c.key.Sign(nonce),
	}, nil
}

// Accept validates the step-6 result. It verifies the certificate binds this
// candidate's public key to the assigned identity, and for local candidates
// that the parent's delegation credential covers the region.
func (c *Candidate) Accept(res *ValidationResult) (*Identity, error) {
	if res.Error {
		return nil, fmt.Errorf("%w: %s", ErrAdmissionDenied, res.Reason)
	}
	if res.AssignedID == "" || res.Certificate == "" {
		return nil, fmt.Errorf("%w: incomplete result", ErrAdmissionDenied)
	}

	claims, err := VerifyCertificate(res.Certificate, c.parentPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionDenied, err)
	}
	if claims.Subject != res.AssignedID || claims.PublicKey != c.key.PublicKeyHex() {
		return nil, fmt.Errorf("%w: certificate does not match this candidate", ErrAdmissionDenied)
	}

	if c.role == model.RoleLocal {
		if res.Delegation == "" {
			return nil, fmt.Errorf("%w: parent presented no delegation credential", ErrAdmissionDenied)
		}
		if _, err := VerifyDelegation(res.Delegation, c.rootPub, c.region); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdmissionDenied, err)
		}
	}

	return &Identity{
		ControllerID: res.AssignedID,
		Role:         c.role,
		Region:       c.region,
		Certificate:  res.Certificate,
		Delegation:   res.Delegation,
	}, nil
}
