package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/pdsno/pdsno/pkg/envelope"
)

// ErrTimeout is returned when the per-call deadline expires before a
// response arrives. Retrying is the caller's decision.
var ErrTimeout = errors.New("timeout")

// MessagePath returns the endpoint path for a message type.
func MessagePath(messageType string) string {
	return "/message/" + strings.ToLower(messageType)
}

// AuthFunc runs the envelope verification pipeline; the server maps its
// named failures onto HTTP statuses.
type AuthFunc func(ctx context.Context, env *envelope.Envelope) error

// Server exposes one endpoint per message type at /message/<type>. An
// invalid signature yields 401 with no body, a malformed envelope 400, an
// unknown message type 404.
type Server struct {
	auth     AuthFunc
	commit   AuthFunc
	dispatch Handler
	logger   *slog.Logger
}

// NewServer wires the verification pipeline and the dispatch function.
func NewServer(auth AuthFunc, dispatch Handler) *Server {
	return &Server{
		auth:     auth,
		dispatch: dispatch,
		logger:   slog.Default().With("component", "transport.http"),
	}
}

// WithNonceCommit defers replay bookkeeping to after dispatch: auth checks
// the nonce without spending it and commit spends it once the handler has
// succeeded. An idempotent retry after a handler failure then verifies
// again instead of bouncing off the replay check.
func (s *Server) WithNonceCommit(commit AuthFunc) *Server {
	s.commit = commit
	return s
}

// Mux returns the HTTP handler for the /message/ tree.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/message/", s.handleMessage)
	return mux
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	messageType := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/message/"))
	if !envelope.Known(messageType) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if env.MessageType != messageType {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.auth(r.Context(), &env); err != nil {
		if errors.Is(err, envelope.ErrMalformed) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// stale, future_dated, replay, bad_signature, wrong_sender
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	resp, err := s.dispatch(r.Context(), &env)
	if err != nil {
		s.logger.Error("handler failed", "message_type", messageType, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s.commit != nil {
		if err := s.commit(r.Context(), &env); err != nil {
			s.logger.Error("nonce commit failed", "message_type", messageType, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Resolver maps a recipient controller ID to its base URL.
type Resolver func(recipientID string) (string, error)

// VerifyFunc validates a response envelope; failures surface as
// ErrInvalidResponse.
type VerifyFunc func(ctx context.Context, env *envelope.Envelope) error

// Client is the request/response side of the HTTP fabric. Idempotent
// message types are retried with exponential backoff and jitter up to
// maxAttempts; everything else gets exactly one attempt.
type Client struct {
	http        *http.Client
	resolve     Resolver
	verify      VerifyFunc
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// NewClient builds a client over the given resolver and response verifier.
func NewClient(resolve Resolver, verify VerifyFunc) *Client {
	return &Client{
		http:        &http.Client{},
		resolve:     resolve,
		verify:      verify,
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
		logger:      slog.Default().With("component", "transport.http"),
	}
}

// WithHTTPClient substitutes the underlying HTTP client, used by tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Send posts the envelope to the recipient's endpoint for its message type
// and returns the verified response envelope.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	base, err := c.resolve(env.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, env.RecipientID)
	}
	url := strings.TrimSuffix(base, "/") + MessagePath(env.MessageType)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	attempts := 1
	if envelope.Idempotent(env.MessageType) {
		attempts = c.maxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.baseDelay<<uint(i-1) + time.Duration(rand.Int63n(int64(c.baseDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			c.logger.Debug("retrying send", "message_type", env.MessageType, "attempt", i+1)
		}

		resp, retryable, err := c.attempt(ctx, url, body)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, env.MessageType)
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// attempt performs one POST. The second return reports whether the failure
// is transient and therefore worth a retry.
func (c *Client) attempt(ctx context.Context, url string, body []byte) (*envelope.Envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: %s", resp.Status)
	default:
		return nil, false, fmt.Errorf("request rejected: %s", resp.Status)
	}

	var out envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := c.verify(ctx, &out); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &out, false, nil
}
