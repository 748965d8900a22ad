// Package events implements the event-listener registry (spec section
// 4.G): two fixed namespaces (agent events and private-channel events),
// null-means-all-events subscription semantics, subscription-order
// delivery, and a silent no-op for unsubscribing an unknown uuid.
//
// Grounded on commbus/bus.go's subscriberEntry list and its
// Subscribe/nextSubID pattern, narrowed from commbus's open message-type
// keying down to the two fixed namespaces this domain names. Like the
// rest of the core, Registry carries no internal locking: every method
// runs only on the root's single dispatch goroutine.
package events

import (
	"github.com/google/uuid"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

// AgentEventType is one of the root-level event kinds an app subscribes
// to via addEventListener.
type AgentEventType string

const (
	EventUserChannelChanged AgentEventType = "USER_CHANNEL_CHANGED"
	EventChannelChanged     AgentEventType = "CHANNEL_CHANGED"
)

// AgentEvent is delivered to an instance's agent-event subscribers.
type AgentEvent struct {
	Type    AgentEventType `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

type agentSubscriber struct {
	uuid     string
	instance bus.FullyQualifiedAppIdentifier
	typeFilter AgentEventType // empty means "all types"
}

type privateSubscriber struct {
	uuid      string
	instance  bus.FullyQualifiedAppIdentifier
	channelID bus.ChannelId
	eventType string // empty means "all types"
}

// Sink delivers a subscriber's event to its transport channel; the root
// wires this to its outbound publish path.
type Sink interface {
	DeliverAgentEvent(target bus.FullyQualifiedAppIdentifier, evt AgentEvent)
}

// Registry is the event-listener registry, covering both namespaces
// spec section 4.G names.
type Registry struct {
	sink Sink

	agentSubs   []agentSubscriber
	privateSubs []privateSubscriber
}

// New constructs an empty Registry.
func New(sink Sink) *Registry {
	return &Registry{sink: sink}
}

// AddEventListener registers instance for agent events of typeFilter
// (empty means every type), returning the new subscription's uuid.
func (r *Registry) AddEventListener(instance bus.FullyQualifiedAppIdentifier, typeFilter AgentEventType) string {
	id := uuid.NewString()
	r.agentSubs = append(r.agentSubs, agentSubscriber{uuid: id, instance: instance, typeFilter: typeFilter})
	return id
}

// AddPrivateChannelEventListener records that instance is watching
// channelID for private-channel lifecycle events of eventType (empty
// means every type, per spec section 4.G's null-means-all semantics),
// returning the new subscription's uuid. The channel engine still
// decides *which* participants are even eligible (allow-list/creator);
// this registry decides whether an eligible participant actually
// subscribed, via PrivateChannelSubscribed.
func (r *Registry) AddPrivateChannelEventListener(instance bus.FullyQualifiedAppIdentifier, channelID bus.ChannelId, eventType string) string {
	id := uuid.NewString()
	r.privateSubs = append(r.privateSubs, privateSubscriber{uuid: id, instance: instance, channelID: channelID, eventType: eventType})
	return id
}

// PrivateChannelSubscribed reports whether instance holds a
// subscription on channelID matching eventType: one registered with an
// empty eventType matches every event (spec section 4.G, "deliver iff I
// subscribed with eventType = E or null").
func (r *Registry) PrivateChannelSubscribed(instance bus.FullyQualifiedAppIdentifier, channelID bus.ChannelId, eventType string) bool {
	for _, s := range r.privateSubs {
		if s.instance != instance || s.channelID != channelID {
			continue
		}
		if s.eventType == "" || s.eventType == eventType {
			return true
		}
	}
	return false
}

// RemoveEventListener unsubscribes listenerUUID from whichever namespace
// holds it; an unknown uuid is a silent no-op (spec section 8).
func (r *Registry) RemoveEventListener(listenerUUID string) {
	for i, s := range r.agentSubs {
		if s.uuid == listenerUUID {
			r.agentSubs = append(r.agentSubs[:i], r.agentSubs[i+1:]...)
			return
		}
	}
	for i, s := range r.privateSubs {
		if s.uuid == listenerUUID {
			r.privateSubs = append(r.privateSubs[:i], r.privateSubs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt, in subscription order, to every agent-event
// subscriber on instance whose typeFilter matches.
func (r *Registry) Publish(instance bus.FullyQualifiedAppIdentifier, evt AgentEvent) {
	for _, s := range r.agentSubs {
		if s.instance != instance {
			continue
		}
		if s.typeFilter != "" && s.typeFilter != evt.Type {
			continue
		}
		r.sink.DeliverAgentEvent(s.instance, evt)
	}
}

// RemoveInstance drops every subscription owned by instance, across both
// namespaces, per the heartbeat monitor's disconnect cascade (spec
// section 4.H).
func (r *Registry) RemoveInstance(instance bus.FullyQualifiedAppIdentifier) {
	keptAgent := r.agentSubs[:0]
	for _, s := range r.agentSubs {
		if s.instance != instance {
			keptAgent = append(keptAgent, s)
		}
	}
	r.agentSubs = keptAgent

	keptPrivate := r.privateSubs[:0]
	for _, s := range r.privateSubs {
		if s.instance != instance {
			keptPrivate = append(keptPrivate, s)
		}
	}
	r.privateSubs = keptPrivate
}

// AgentSubscriberCount reports how many agent-event subscriptions
// instance currently holds, for diagnostics and tests.
func (r *Registry) AgentSubscriberCount(instance bus.FullyQualifiedAppIdentifier) int {
	n := 0
	for _, s := range r.agentSubs {
		if s.instance == instance {
			n++
		}
	}
	return n
}
