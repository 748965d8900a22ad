package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

type recordingSink struct {
	broadcasts []BroadcastEvent
	changed    []bus.ChannelId
	private    []PrivateChannelEvent
}

func (r *recordingSink) DeliverBroadcast(target bus.FullyQualifiedAppIdentifier, evt BroadcastEvent) {
	r.broadcasts = append(r.broadcasts, evt)
}
func (r *recordingSink) DeliverChannelChanged(target bus.FullyQualifiedAppIdentifier, newChannelID bus.ChannelId) {
	r.changed = append(r.changed, newChannelID)
}
func (r *recordingSink) DeliverPrivateChannelEvent(target bus.FullyQualifiedAppIdentifier, evt PrivateChannelEvent) {
	r.private = append(r.private, evt)
}

func appID(a, i string) bus.FullyQualifiedAppIdentifier {
	return bus.FullyQualifiedAppIdentifier{AppId: bus.AppId(a), InstanceId: bus.InstanceId(i)}
}

func TestBroadcastSkipsOriginatorUpdatesSticky(t *testing.T) {
	sink := &recordingSink{}
	e := New([]bus.Channel{{ID: "red", Type: bus.ChannelTypeUser}}, sink)

	s := appID("source", "1")
	l := appID("listener", "1")
	_, err := e.AddContextListener("red", s, "")
	require.NoError(t, err)
	_, err = e.AddContextListener("red", l, "")
	require.NoError(t, err)

	ctx := bus.Context{Type: "fdc3.contact"}
	require.NoError(t, e.Broadcast("red", ctx, s))

	require.Len(t, sink.broadcasts, 1)
	got, ok := e.GetCurrentContext("red", "fdc3.contact")
	require.True(t, ok)
	require.Equal(t, "fdc3.contact", got.Type)
}

func TestGetOrCreateChannelIsIdempotent(t *testing.T) {
	e := New(nil, &recordingSink{})
	first := e.GetOrCreateChannel("app-1")
	second := e.GetOrCreateChannel("app-1")
	require.Equal(t, first, second)

	require.NoError(t, e.Broadcast("app-1", bus.Context{Type: "t"}, appID("a", "1")))
	_, ok := e.GetCurrentContext("app-1", "t")
	require.True(t, ok)
}

func TestPrivateChannelAllowList(t *testing.T) {
	sink := &recordingSink{}
	e := New(nil, sink)
	creator := appID("creator", "1")
	outsider := appID("outsider", "1")

	id := e.CreatePrivateChannel(creator)
	require.ErrorIs(t, e.Broadcast(id, bus.Context{Type: "t"}, outsider), ErrAccessDenied)

	require.NoError(t, e.AllowInPrivateChannel(id, outsider))
	require.NoError(t, e.Broadcast(id, bus.Context{Type: "t"}, outsider))
}

func TestUnsubscribeUnknownIsNoOp(t *testing.T) {
	e := New(nil, &recordingSink{})
	require.NotPanics(t, func() { e.UnsubscribeListener("does-not-exist") })
}

func TestFloatingListenerMigratesOnJoinUserChannel(t *testing.T) {
	sink := &recordingSink{}
	e := New([]bus.Channel{
		{ID: "fdc3.channel.1", Type: bus.ChannelTypeUser},
		{ID: "fdc3.channel.2", Type: bus.ChannelTypeUser},
	}, sink)
	listener := appID("listener", "1")
	source := appID("source", "1")

	require.NoError(t, e.JoinUserChannel(listener, "fdc3.channel.1"))
	_, err := e.AddContextListener("", listener, "")
	require.NoError(t, err)

	require.NoError(t, e.Broadcast("fdc3.channel.1", bus.Context{Type: "fdc3.contact"}, source))
	require.Len(t, sink.broadcasts, 1)

	require.NoError(t, e.JoinUserChannel(listener, "fdc3.channel.2"))
	require.NoError(t, e.Broadcast("fdc3.channel.1", bus.Context{Type: "fdc3.contact"}, source))
	require.Len(t, sink.broadcasts, 1, "listener migrated away from fdc3.channel.1 and must not still receive its broadcasts")

	require.NoError(t, e.Broadcast("fdc3.channel.2", bus.Context{Type: "fdc3.contact"}, source))
	require.Len(t, sink.broadcasts, 2, "listener must receive broadcasts on its new current user channel")
}

func TestAddContextListenerEmptyChannelRequiresCurrentUserChannel(t *testing.T) {
	e := New([]bus.Channel{{ID: "fdc3.channel.1", Type: bus.ChannelTypeUser}}, &recordingSink{})
	_, err := e.AddContextListener("", appID("listener", "1"), "")
	require.ErrorIs(t, err, ErrNoChannelFound)
}

func TestDisconnectRemovesFloatingListener(t *testing.T) {
	sink := &recordingSink{}
	e := New([]bus.Channel{{ID: "fdc3.channel.1", Type: bus.ChannelTypeUser}}, sink)
	listener := appID("listener", "1")
	source := appID("source", "1")

	require.NoError(t, e.JoinUserChannel(listener, "fdc3.channel.1"))
	_, err := e.AddContextListener("", listener, "")
	require.NoError(t, err)

	e.Disconnect(listener)
	require.NoError(t, e.Broadcast("fdc3.channel.1", bus.Context{Type: "fdc3.contact"}, source))
	require.Empty(t, sink.broadcasts)
}

func TestDisconnectRemovesListenersAndAllowList(t *testing.T) {
	sink := &recordingSink{}
	e := New(nil, sink)
	creator := appID("creator", "1")
	participant := appID("participant", "1")

	id := e.CreatePrivateChannel(creator)
	require.NoError(t, e.AllowInPrivateChannel(id, participant))
	_, err := e.AddContextListener(id, participant, "")
	require.NoError(t, err)

	e.Disconnect(participant)
	require.ErrorIs(t, e.Broadcast(id, bus.Context{Type: "t"}, participant), ErrAccessDenied)
}
