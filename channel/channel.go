// Package channel implements the channel engine (spec section 4.D):
// user, app, and private channel semantics, sticky context storage,
// listener dispatch, private-channel allow-lists, and user-channel
// membership migration.
//
// Like directory, Engine carries no internal locking: every method is
// called only from the root's single dispatch goroutine.
package channel

import (
	"errors"

	"github.com/google/uuid"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

// ErrNoChannelFound and ErrAccessDenied are the channel-taxonomy errors
// (spec section 6) this package can produce.
var (
	ErrNoChannelFound = errors.New(string(bus.ErrNoChannelFound))
	ErrAccessDenied   = errors.New(string(bus.ErrAccessDenied))
)

// Listener is one registered context listener.
type Listener struct {
	UUID       string
	Instance   bus.FullyQualifiedAppIdentifier
	TypeFilter string // empty means "all types"
}

// state is the per-channel data model from spec section 3.
type state struct {
	id                  bus.ChannelId
	typ                 bus.ChannelType
	displayMetadata     map[string]any
	latestContextByType map[string]bus.Context
	listeners           []Listener
	allowList           map[bus.FullyQualifiedAppIdentifier]struct{} // private channels only
	creator             bus.FullyQualifiedAppIdentifier
}

// Sink delivers outbound envelopes to a target instance's transport
// channel; the root wires this to its transport.Publish, keyed by the
// target's assigned transport.ChannelId (resolved by the caller, not by
// this package).
type Sink interface {
	DeliverBroadcast(target bus.FullyQualifiedAppIdentifier, evt BroadcastEvent)
	DeliverChannelChanged(target bus.FullyQualifiedAppIdentifier, newChannelID bus.ChannelId)
	DeliverPrivateChannelEvent(target bus.FullyQualifiedAppIdentifier, evt PrivateChannelEvent)
}

// BroadcastEvent mirrors the wire BroadcastEvent payload.
type BroadcastEvent struct {
	ChannelId     bus.ChannelId               `json:"channelId"`
	Context       bus.Context                 `json:"context"`
	OriginatingApp bus.FullyQualifiedAppIdentifier `json:"originatingApp"`
}

// PrivateChannelEventType is one of the three private-channel event
// kinds spec section 4.D/4.G names.
type PrivateChannelEventType string

const (
	PrivateEventAddContextListener PrivateChannelEventType = "addContextListener"
	PrivateEventUnsubscribe        PrivateChannelEventType = "unsubscribe"
	PrivateEventDisconnect         PrivateChannelEventType = "disconnect"
)

// PrivateChannelEvent is delivered to the *other* participants of a
// private channel when one of the three lifecycle actions occurs.
type PrivateChannelEvent struct {
	Type      PrivateChannelEventType `json:"type"`
	ChannelId bus.ChannelId           `json:"channelId"`
	Instance  bus.FullyQualifiedAppIdentifier `json:"instance"`
}

// Engine owns every channel's state.
type Engine struct {
	sink Sink

	channels map[bus.ChannelId]*state
	// currentUserChannel tracks each instance's single current user
	// channel (spec section 4.D's user-channel membership rule).
	currentUserChannel map[bus.FullyQualifiedAppIdentifier]bus.ChannelId
	// floatingListeners are context listeners registered with
	// channelId null: rather than being pinned to whichever channel
	// happened to be current at registration time, they resolve
	// against currentUserChannel on every broadcast, so a later
	// JoinUserChannel re-homes them with no explicit move (spec
	// section 4.D's "migrate the instance's current-channel listeners
	// to the new channel").
	floatingListeners []Listener
}

// New constructs an Engine with the given pre-declared user channels.
func New(userChannels []bus.Channel, sink Sink) *Engine {
	e := &Engine{
		sink:                sink,
		channels:            make(map[bus.ChannelId]*state),
		currentUserChannel:  make(map[bus.FullyQualifiedAppIdentifier]bus.ChannelId),
	}
	for _, c := range userChannels {
		e.channels[c.ID] = &state{
			id:                  c.ID,
			typ:                 bus.ChannelTypeUser,
			displayMetadata:     c.DisplayMetadata,
			latestContextByType: make(map[string]bus.Context),
		}
	}
	return e
}

// GetOrCreateChannel returns the existing app channel id, or lazily
// allocates one; the same logical channel persists its sticky state
// across calls (spec section 8's round-trip property).
func (e *Engine) GetOrCreateChannel(id bus.ChannelId) bus.ChannelId {
	if _, ok := e.channels[id]; !ok {
		e.channels[id] = &state{
			id:                  id,
			typ:                 bus.ChannelTypeApp,
			latestContextByType: make(map[string]bus.Context),
		}
	}
	return id
}

// CreatePrivateChannel allocates a fresh private channel with an empty
// allow-list, implicitly permitting creator.
func (e *Engine) CreatePrivateChannel(creator bus.FullyQualifiedAppIdentifier) bus.ChannelId {
	id := bus.ChannelId(uuid.NewString())
	e.channels[id] = &state{
		id:                  id,
		typ:                 bus.ChannelTypePrivate,
		latestContextByType: make(map[string]bus.Context),
		allowList:           make(map[bus.FullyQualifiedAppIdentifier]struct{}),
		creator:             creator,
	}
	return id
}

// AllowInPrivateChannel inserts instance into channel's allow-list; used
// by the intent engine when an intent result carries a private channel
// (spec section 4.E step onIntentResult.3).
func (e *Engine) AllowInPrivateChannel(id bus.ChannelId, instance bus.FullyQualifiedAppIdentifier) error {
	s, ok := e.channels[id]
	if !ok || s.typ != bus.ChannelTypePrivate {
		return ErrNoChannelFound
	}
	s.allowList[instance] = struct{}{}
	return nil
}

func (s *state) permitted(instance bus.FullyQualifiedAppIdentifier) bool {
	if s.typ != bus.ChannelTypePrivate {
		return true
	}
	if instance == s.creator {
		return true
	}
	_, ok := s.allowList[instance]
	return ok
}

// GetCurrentContext returns the sticky value for typeFilter, or the most
// recently broadcast value of any type if typeFilter is empty.
func (e *Engine) GetCurrentContext(id bus.ChannelId, typeFilter string) (bus.Context, bool) {
	s, ok := e.channels[id]
	if !ok {
		return bus.Context{}, false
	}
	if typeFilter != "" {
		c, ok := s.latestContextByType[typeFilter]
		return c, ok
	}
	var latest bus.Context
	found := false
	for _, c := range s.latestContextByType {
		latest = c
		found = true
	}
	return latest, found
}

// Broadcast delivers context to every listener on channel id whose
// type filter matches, per spec section 4.D's listener-dispatch
// algorithm: sticky state updates before notification, and the
// originator never receives its own broadcast via a same-channel
// listener.
func (e *Engine) Broadcast(id bus.ChannelId, context bus.Context, originator bus.FullyQualifiedAppIdentifier) error {
	s, ok := e.channels[id]
	if !ok {
		return ErrNoChannelFound
	}
	if !s.permitted(originator) {
		return ErrAccessDenied
	}
	s.latestContextByType[context.Type] = context
	evt := BroadcastEvent{ChannelId: id, Context: context, OriginatingApp: originator}
	for _, l := range s.listeners {
		if l.Instance == originator {
			continue
		}
		if l.TypeFilter != "" && l.TypeFilter != context.Type {
			continue
		}
		e.sink.DeliverBroadcast(l.Instance, evt)
	}
	for _, l := range e.floatingListeners {
		if l.Instance == originator {
			continue
		}
		if e.currentUserChannel[l.Instance] != id {
			continue
		}
		if l.TypeFilter != "" && l.TypeFilter != context.Type {
			continue
		}
		e.sink.DeliverBroadcast(l.Instance, evt)
	}
	return nil
}

// AddContextListener registers a listener on channel id, or, if id is
// empty, floats it against whichever channel is the instance's current
// user channel at broadcast time (see floatingListeners). Registration
// still requires the instance to already have a current user channel;
// only the listener's binding to a concrete channel is deferred.
func (e *Engine) AddContextListener(id bus.ChannelId, instance bus.FullyQualifiedAppIdentifier, typeFilter string) (string, error) {
	if id == "" {
		if e.currentUserChannel[instance] == "" {
			return "", ErrNoChannelFound
		}
		listenerUUID := uuid.NewString()
		e.floatingListeners = append(e.floatingListeners, Listener{UUID: listenerUUID, Instance: instance, TypeFilter: typeFilter})
		return listenerUUID, nil
	}
	s, ok := e.channels[id]
	if !ok {
		return "", ErrNoChannelFound
	}
	if !s.permitted(instance) {
		return "", ErrAccessDenied
	}
	listenerUUID := uuid.NewString()
	s.listeners = append(s.listeners, Listener{UUID: listenerUUID, Instance: instance, TypeFilter: typeFilter})
	if s.typ == bus.ChannelTypePrivate {
		e.notifyPrivateParticipants(s, instance, PrivateEventAddContextListener)
	}
	return listenerUUID, nil
}

// UnsubscribeListener removes a listener by uuid from whichever channel
// holds it; unknown uuids are a silent no-op (spec section 8).
func (e *Engine) UnsubscribeListener(listenerUUID string) {
	for i, l := range e.floatingListeners {
		if l.UUID == listenerUUID {
			e.floatingListeners = append(e.floatingListeners[:i], e.floatingListeners[i+1:]...)
			return
		}
	}
	for _, s := range e.channels {
		for i, l := range s.listeners {
			if l.UUID == listenerUUID {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				if s.typ == bus.ChannelTypePrivate {
					e.notifyPrivateParticipants(s, l.Instance, PrivateEventUnsubscribe)
				}
				return
			}
		}
	}
}

func (e *Engine) notifyPrivateParticipants(s *state, actor bus.FullyQualifiedAppIdentifier, typ PrivateChannelEventType) {
	evt := PrivateChannelEvent{Type: typ, ChannelId: s.id, Instance: actor}
	delivered := make(map[bus.FullyQualifiedAppIdentifier]struct{})
	for other := range s.allowList {
		if other == actor {
			continue
		}
		delivered[other] = struct{}{}
	}
	if s.creator != actor {
		delivered[s.creator] = struct{}{}
	}
	for target := range delivered {
		e.sink.DeliverPrivateChannelEvent(target, evt)
	}
}

// JoinUserChannel records newChannelID as instance's current user
// channel. Any listener instance registered with an empty ChannelId is
// floating (see floatingListeners) and resolves against this value on
// every subsequent broadcast, so it migrates to newChannelID with no
// explicit move. Callers are responsible for emitting
// USER_CHANNEL_CHANGED to the instance's event-listener subscribers
// (spec section 4.D; that delivery belongs to the events package, not
// this one).
func (e *Engine) JoinUserChannel(instance bus.FullyQualifiedAppIdentifier, newChannelID bus.ChannelId) error {
	if _, ok := e.channels[newChannelID]; !ok {
		return ErrNoChannelFound
	}
	e.currentUserChannel[instance] = newChannelID
	return nil
}

// CurrentUserChannel returns the instance's current user channel, if any.
func (e *Engine) CurrentUserChannel(instance bus.FullyQualifiedAppIdentifier) (bus.ChannelId, bool) {
	id, ok := e.currentUserChannel[instance]
	return id, ok
}

// Disconnect removes every listener owned by instance across all
// channels and drops it from every private-channel allow-list, emitting
// disconnect events to the other participants. Called by the heartbeat
// monitor's disconnect cascade (spec section 4.H).
func (e *Engine) Disconnect(instance bus.FullyQualifiedAppIdentifier) {
	delete(e.currentUserChannel, instance)
	keptFloating := e.floatingListeners[:0]
	for _, l := range e.floatingListeners {
		if l.Instance != instance {
			keptFloating = append(keptFloating, l)
		}
	}
	e.floatingListeners = keptFloating
	for _, s := range e.channels {
		wasParticipant := s.typ == bus.ChannelTypePrivate && s.permitted(instance)
		kept := s.listeners[:0]
		for _, l := range s.listeners {
			if l.Instance != instance {
				kept = append(kept, l)
			}
		}
		s.listeners = kept
		if s.allowList != nil {
			delete(s.allowList, instance)
		}
		if wasParticipant {
			e.notifyPrivateParticipants(s, instance, PrivateEventDisconnect)
		}
	}
}

// Channels exposes the channel list for diagnostics/tests.
func (e *Engine) Channels() []bus.Channel {
	out := make([]bus.Channel, 0, len(e.channels))
	for _, s := range e.channels {
		out = append(out, bus.Channel{ID: s.id, Type: s.typ, DisplayMetadata: s.displayMetadata})
	}
	return out
}
