package transport

import (
	"context"
	"fmt"

	"github.com/pdsno/pdsno/pkg/envelope"
)

// Fabric names one of the three transports.
type Fabric string

const (
	FabricInProc  Fabric = "inproc"
	FabricHTTP    Fabric = "http"
	FabricBroker  Fabric = "broker"
	fabricUnknown Fabric = ""
)

// Selector applies the static fallback hierarchy: pub/sub for broadcast
// categories, request/response for point-to-point exchanges that need an
// ack, in-process when both endpoints share a process. The policy is fixed
// per message type at construction and never changes mid-conversation.
type Selector struct {
	bus     *Bus
	client  RequestResponder
	broker  Publisher
	policy  map[string]Fabric
	localID map[string]bool
}

// NewSelector builds a selector over whichever fabrics are configured; nil
// fabrics are skipped in the fallback order.
func NewSelector(bus *Bus, client RequestResponder, broker Publisher) *Selector {
	s := &Selector{
		bus:     bus,
		client:  client,
		broker:  broker,
		policy:  make(map[string]Fabric),
		localID: make(map[string]bool),
	}
	for _, name := range envelope.Types() {
		s.policy[name] = s.defaultFabric(name)
	}
	return s
}

// MarkLocal records that a controller shares this process, making the
// in-process bus eligible for traffic to it.
func (s *Selector) MarkLocal(controllerID string) {
	s.localID[controllerID] = true
}

func (s *Selector) defaultFabric(messageType string) Fabric {
	spec, _ := envelope.Spec(messageType)
	switch spec.Category {
	case envelope.CategoryHeartbeat, envelope.CategoryPolicy:
		if s.broker != nil {
			return FabricBroker
		}
	}
	if s.client != nil {
		return FabricHTTP
	}
	if s.bus != nil {
		return FabricInProc
	}
	if s.broker != nil {
		return FabricBroker
	}
	return fabricUnknown
}

// FabricFor returns the fabric the static policy assigns to a message type
// destined for the given recipient.
func (s *Selector) FabricFor(messageType, recipientID string) Fabric {
	if s.bus != nil && s.localID[recipientID] {
		return FabricInProc
	}
	return s.policy[messageType]
}

// Send routes a point-to-point envelope via the selected fabric.
func (s *Selector) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	switch s.FabricFor(env.MessageType, env.RecipientID) {
	case FabricInProc:
		return s.bus.Send(ctx, env)
	case FabricHTTP:
		return s.client.Send(ctx, env)
	default:
		return nil, fmt.Errorf("%w: no request/response fabric for %s", ErrUnknownRecipient, env.MessageType)
	}
}

// Publish routes a broadcast envelope, preferring the broker and falling
// back to the in-process bus.
func (s *Selector) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if s.broker != nil {
		return s.broker.Publish(ctx, topic, env)
	}
	if s.bus != nil {
		return s.bus.Publish(ctx, topic, env)
	}
	return fmt.Errorf("no broadcast fabric configured")
}

// Subscribe subscribes on the preferred broadcast fabric.
func (s *Selector) Subscribe(ctx context.Context, pattern string, h SubHandler) (func(), error) {
	if s.broker != nil {
		return s.broker.Subscribe(ctx, pattern, h)
	}
	if s.bus != nil {
		return s.bus.Subscribe(ctx, pattern, h)
	}
	return nil, fmt.Errorf("no broadcast fabric configured")
}
