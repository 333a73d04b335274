package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pdsno/pdsno/pkg/admission"
	"github.com/pdsno/pdsno/pkg/config"
	"github.com/pdsno/pdsno/pkg/controller"
	"github.com/pdsno/pdsno/pkg/crypto"
	"github.com/pdsno/pdsno/pkg/envelope"
	"github.com/pdsno/pdsno/pkg/nib"
	"github.com/pdsno/pdsno/pkg/transport"
)

// runAdmit performs the six-step admission handshake against the configured
// parent and prints the assigned identity.
func runAdmit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("admit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tempID    string
		parentPub string
		rootPub   string
		timeout   time.Duration
	)
	cmd.StringVar(&tempID, "temp-id", "", "temporary identity to join under (required)")
	cmd.StringVar(&parentPub, "parent-pub", "", "parent's ed25519 public key, hex (required)")
	cmd.StringVar(&rootPub, "root-pub", "", "global controller's public key, hex (defaults to --parent-pub)")
	cmd.DurationVar(&timeout, "timeout", 30*time.Second, "handshake deadline")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tempID == "" || parentPub == "" {
		fmt.Fprintln(stderr, "error: --temp-id and --parent-pub are required")
		cmd.Usage()
		return 2
	}
	if rootPub == "" {
		rootPub = parentPub
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	if cfg.ParentID == "" || cfg.ParentURL == "" {
		fmt.Fprintln(stderr, "error: PDSNO_PARENT_ID and PDSNO_PARENT_URL must be set to admit")
		return 1
	}

	parentKey, err := decodePub(parentPub)
	if err != nil {
		fmt.Fprintf(stderr, "parent-pub: %v\n", err)
		return 1
	}
	rootKey, err := decodePub(rootPub)
	if err != nil {
		fmt.Fprintf(stderr, "root-pub: %v\n", err)
		return 1
	}

	bootstrapSecret, err := config.ReadSecret(cfg.BootstrapSecretFile)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap secret: %v\n", err)
		return 1
	}
	master, err := config.ReadSecret(cfg.MasterSecretFile)
	if err != nil {
		fmt.Fprintf(stderr, "master secret: %v\n", err)
		return 1
	}
	key, err := loadIdentity(cfg.IdentitySeedFile)
	if err != nil {
		fmt.Fprintf(stderr, "identity: %v\n", err)
		return 1
	}

	candidate, err := admission.NewCandidate(tempID, cfg.Role, cfg.Region, key, bootstrapSecret, parentKey, rootKey)
	if err != nil {
		fmt.Fprintf(stderr, "candidate: %v\n", err)
		return 1
	}

	store, err := nib.Open(cfg.NIBDSN)
	if err != nil {
		fmt.Fprintf(stderr, "open nib: %v\n", err)
		return 1
	}
	defer store.Close()

	keyring, err := crypto.NewKeyring(master, time.Hour)
	if err != nil {
		fmt.Fprintf(stderr, "keyring: %v\n", err)
		return 1
	}
	auth := envelope.NewAuthenticator(envelope.NewMemoryNonceStore(envelope.DefaultNonceCapacity))

	resolver := func(recipientID string) (string, error) {
		if recipientID == cfg.ParentID {
			return cfg.ParentURL, nil
		}
		return "", fmt.Errorf("no route to %s", recipientID)
	}
	var rt *controller.Runtime
	client := transport.NewClient(resolver, func(ctx context.Context, env *envelope.Envelope) error {
		return rt.Verify(ctx, env)
	})
	selector := transport.NewSelector(nil, client, nil)
	rt, err = controller.NewRuntime(tempID, cfg.Role, cfg.Region, store, keyring, auth, selector)
	if err != nil {
		fmt.Fprintf(stderr, "runtime: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	identity, err := handshake(ctx, rt, candidate, cfg.ParentID)
	if err != nil {
		fmt.Fprintf(stderr, "admission failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "admitted as %s\n", identity.ControllerID)
	fmt.Fprintf(stdout, "certificate: %s\n", identity.Certificate)
	if identity.Delegation != "" {
		fmt.Fprintf(stdout, "delegation: %s\n", identity.Delegation)
	}
	fmt.Fprintf(stdout, "\nexport PDSNO_CONTROLLER_ID=%s\n", identity.ControllerID)
	return 0
}

// handshake drives steps 1 through 6 over the fabric.
func handshake(ctx context.Context, rt *controller.Runtime, candidate *admission.Candidate, parentID string) (*admission.Identity, error) {
	payload, err := admission.ToPayload(candidate.Request())
	if err != nil {
		return nil, err
	}
	resp, err := rt.Send(ctx, parentID, envelope.TypeValidationRequest, payload)
	if err != nil {
		return nil, err
	}

	// The parent answers step 1 with either a challenge or an immediate
	// rejection.
	if resp.MessageType == envelope.TypeValidationResult {
		result, err := admission.FromPayload[admission.ValidationResult](resp.Payload)
		if err != nil {
			return nil, err
		}
		return candidate.Accept(result)
	}

	challenge, err := admission.FromPayload[admission.Challenge](resp.Payload)
	if err != nil {
		return nil, err
	}
	answer, err := candidate.Respond(challenge)
	if err != nil {
		return nil, err
	}
	payload, err = admission.ToPayload(answer)
	if err != nil {
		return nil, err
	}
	resp, err = rt.Send(ctx, parentID, envelope.TypeChallengeResponse, payload)
	if err != nil {
		return nil, err
	}
	result, err := admission.FromPayload[admission.ValidationResult](resp.Payload)
	if err != nil {
		return nil, err
	}
	return candidate.Accept(result)
}

func decodePub(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// runKeygen writes a fresh shared secret file.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		out  string
		size int
	)
	cmd.StringVar(&out, "out", "", "output file (required)")
	cmd.IntVar(&size, "bytes", 32, "secret length in bytes")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		fmt.Fprintln(stderr, "error: --out is required")
		cmd.Usage()
		return 2
	}
	if size < 32 {
		fmt.Fprintln(stderr, "error: secrets shorter than 32 bytes are rejected by every verifier")
		return 2
	}

	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(stderr, "entropy: %v\n", err)
		return 1
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		fmt.Fprintf(stderr, "write secret: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %d-byte secret to %s\n", size, out)
	return 0
}
