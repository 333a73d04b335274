// Package transport carries signed envelopes between controllers over three
// interchangeable fabrics: an in-process bus, request/response HTTP, and a
// Redis-backed publish/subscribe broker. A static per-message-type policy
// picks the fabric; the choice never changes mid-conversation.
package transport

import (
	"context"
	"errors"

	"github.com/pdsno/pdsno/pkg/envelope"
)

var (
	// ErrUnknownRecipient is returned when no route exists for the
	// envelope's recipient.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrUnavailable is returned after the retry budget for a transient
	// transport failure is exhausted.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrInvalidResponse is returned when a request/response peer answers
	// with something that is not a verifiable signed envelope.
	ErrInvalidResponse = errors.New("invalid response envelope")
)

// Handler processes one inbound envelope and returns the signed response
// envelope for request/response semantics.
type Handler func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// SubHandler processes one envelope delivered on a subscription. Handlers
// must be idempotent: state-critical categories are delivered at least once.
type SubHandler func(ctx context.Context, topic string, env *envelope.Envelope)

// RequestResponder sends an envelope and waits for the signed reply.
type RequestResponder interface {
	Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// Publisher is the fire-and-forget side of the fabric. Subscribe returns an
// unsubscribe function.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
	Subscribe(ctx context.Context, pattern string, h SubHandler) (func(), error)
}
