package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

type recordingSink struct {
	delivered []AgentEvent
	targets   []bus.FullyQualifiedAppIdentifier
}

func (r *recordingSink) DeliverAgentEvent(target bus.FullyQualifiedAppIdentifier, evt AgentEvent) {
	r.delivered = append(r.delivered, evt)
	r.targets = append(r.targets, target)
}

func appID(a, i string) bus.FullyQualifiedAppIdentifier {
	return bus.FullyQualifiedAppIdentifier{AppId: bus.AppId(a), InstanceId: bus.InstanceId(i)}
}

func TestAddEventListenerNullMeansAllTypes(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	instance := appID("chat", "1")

	r.AddEventListener(instance, "")
	r.Publish(instance, AgentEvent{Type: EventChannelChanged})
	r.Publish(instance, AgentEvent{Type: EventUserChannelChanged})

	require.Len(t, sink.delivered, 2)
}

func TestAddEventListenerFiltersByType(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	instance := appID("chat", "1")

	r.AddEventListener(instance, EventUserChannelChanged)
	r.Publish(instance, AgentEvent{Type: EventChannelChanged})
	require.Empty(t, sink.delivered)

	r.Publish(instance, AgentEvent{Type: EventUserChannelChanged})
	require.Len(t, sink.delivered, 1)
}

func TestRemoveEventListenerUnknownIsNoOp(t *testing.T) {
	r := New(&recordingSink{})
	require.NotPanics(t, func() { r.RemoveEventListener("does-not-exist") })
}

func TestRemoveEventListenerStopsDelivery(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	instance := appID("chat", "1")

	id := r.AddEventListener(instance, "")
	r.RemoveEventListener(id)
	r.Publish(instance, AgentEvent{Type: EventChannelChanged})

	require.Empty(t, sink.delivered)
}

func TestRemoveInstanceDropsBothNamespaces(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	instance := appID("chat", "1")

	r.AddEventListener(instance, "")
	r.AddPrivateChannelEventListener(instance, "priv-1", "")
	require.Equal(t, 1, r.AgentSubscriberCount(instance))
	require.True(t, r.PrivateChannelSubscribed(instance, "priv-1", "addContextListener"))

	r.RemoveInstance(instance)
	require.Equal(t, 0, r.AgentSubscriberCount(instance))
	require.False(t, r.PrivateChannelSubscribed(instance, "priv-1", "addContextListener"))

	r.Publish(instance, AgentEvent{Type: EventChannelChanged})
	require.Empty(t, sink.delivered)
}

func TestPrivateChannelSubscribedMatchesNullOrExactType(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	wildcard := appID("chat", "1")
	specific := appID("chat", "2")
	unrelated := appID("chat", "3")

	r.AddPrivateChannelEventListener(wildcard, "priv-1", "")
	r.AddPrivateChannelEventListener(specific, "priv-1", "addContextListener")

	require.True(t, r.PrivateChannelSubscribed(wildcard, "priv-1", "addContextListener"))
	require.True(t, r.PrivateChannelSubscribed(wildcard, "priv-1", "unsubscribe"))
	require.True(t, r.PrivateChannelSubscribed(specific, "priv-1", "addContextListener"))
	require.False(t, r.PrivateChannelSubscribed(specific, "priv-1", "unsubscribe"))
	require.False(t, r.PrivateChannelSubscribed(unrelated, "priv-1", "addContextListener"))
	require.False(t, r.PrivateChannelSubscribed(wildcard, "priv-2", "addContextListener"))
}

func TestPublishDeliversEventsInPublishOrder(t *testing.T) {
	sink := &recordingSink{}
	r := New(sink)
	a := appID("chat", "1")

	r.AddEventListener(a, "")
	r.Publish(a, AgentEvent{Type: EventChannelChanged, Details: map[string]any{"seq": 1}})
	r.Publish(a, AgentEvent{Type: EventChannelChanged, Details: map[string]any{"seq": 2}})

	require.Len(t, sink.delivered, 2)
	require.Equal(t, 1, sink.delivered[0].Details["seq"])
	require.Equal(t, 2, sink.delivered[1].Details["seq"])
}
