// Package intent implements the intent-raising state machine (spec
// section 4.E): raiseIntent/onIntentResult/raiseIntentForContext, the
// awaiting-listener -> dispatched -> awaiting-result -> completed|failed
// lifecycle, and the opaque pending-intent token.
//
// Modeled on coreengine/kernel/interrupts.go's Pending/Resolved/Expired
// lifecycle: a raise with no registered target listener is exactly the
// teacher's "Checkpoint" interrupt kind with AutoExpire disabled — held
// indefinitely until something external resolves it. Like the rest of
// the core, Engine carries no internal locking: every method runs only
// on the root's single dispatch goroutine.
package intent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

// Status is one state of the pending-raise state machine (spec section
// 4.E): awaiting-listener -> dispatched -> awaiting-result -> completed|failed.
type Status string

const (
	StatusAwaitingListener Status = "awaiting-listener"
	StatusDispatched       Status = "dispatched"
	StatusAwaitingResult   Status = "awaiting-result"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Pending is the intent-engine data model from spec section 3.
type Pending struct {
	Originator         bus.FullyQualifiedAppIdentifier
	OriginalRequestUUID string
	Intent             string
	Context            bus.Context
	Target             bus.FullyQualifiedAppIdentifier
	Status             Status
}

// token is the opaque payload encoded into the raiseIntentRequestUuid
// the target sees.
type token struct {
	Originator          bus.FullyQualifiedAppIdentifier `json:"originator"`
	OriginalRequestUUID string                           `json:"originalRequestUuid"`
}

// EncodeToken builds the opaque pending-intent token. Round-tripping it
// through DecodeToken is identity on its payload (spec section 8).
func EncodeToken(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string) string {
	raw, _ := json.Marshal(token{Originator: originator, OriginalRequestUUID: originalRequestUUID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ErrInvalidToken is returned by DecodeToken for a malformed or forged
// token.
var ErrInvalidToken = errors.New("intent: invalid pending-intent token")

// DecodeToken reverses EncodeToken.
func DecodeToken(s string) (bus.FullyQualifiedAppIdentifier, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return bus.FullyQualifiedAppIdentifier{}, "", ErrInvalidToken
	}
	var t token
	if err := json.Unmarshal(raw, &t); err != nil {
		return bus.FullyQualifiedAppIdentifier{}, "", ErrInvalidToken
	}
	return t.Originator, t.OriginalRequestUUID, nil
}

// DirectoryResolver is the subset of directory.Directory the intent
// engine needs, kept narrow so tests can fake it.
type DirectoryResolver interface {
	ResolveAppInstanceForIntent(ctx context.Context, intent string, ctxType string, preferred *bus.FullyQualifiedAppIdentifier) (bus.FullyQualifiedAppIdentifier, error)
}

// Dispatcher delivers an IntentEvent to the resolved target's transport
// channel.
type Dispatcher interface {
	DeliverIntentEvent(target bus.FullyQualifiedAppIdentifier, intent string, context bus.Context, originatingApp bus.FullyQualifiedAppIdentifier, raiseIntentRequestUUID string)
	// DeliverIntentResolution answers the originator's raiseIntentRequest
	// once dispatch actually happens — which may be long after the
	// request arrived, if the raise had to await the target's listener
	// registration (spec section 8's ordering guarantee: IntentEvent is
	// always emitted before this).
	DeliverIntentResolution(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string, target bus.FullyQualifiedAppIdentifier, intentName string)
	DeliverIntentResult(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string, resultPayload json.RawMessage)
	DeliverIntentDeliveryFailed(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string)
}

// ListenerIndex reports whether instance has already registered a
// handler for intent; the intent engine consults it before deciding
// whether a raise can dispatch immediately.
type ListenerIndex interface {
	HasIntentListener(instance bus.InstanceId, intent string) bool
}

// Engine is the intent-raising state machine.
type Engine struct {
	dispatcher Dispatcher
	listeners  ListenerIndex

	pending map[string]*Pending // keyed by OriginalRequestUUID

	// waiters holds, per (target instance, intent), the callbacks
	// registered by raises awaiting that target's listener
	// registration. A listener registration wakes all matching waiters.
	waiters map[waiterKey][]func()
}

type waiterKey struct {
	instance bus.InstanceId
	intent   string
}

// New constructs an intent Engine.
func New(dispatcher Dispatcher, listeners ListenerIndex) *Engine {
	return &Engine{
		dispatcher: dispatcher,
		listeners:  listeners,
		pending:    make(map[string]*Pending),
		waiters:    make(map[waiterKey][]func()),
	}
}

// RaiseIntent implements spec section 4.E's raiseIntent algorithm.
// validContext should already have been checked by the caller (the
// dispatcher replies MalformedContext itself, per spec's literal S2
// scenario, before ever calling RaiseIntent).
func (e *Engine) RaiseIntent(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string, intentName string, context bus.Context, target bus.FullyQualifiedAppIdentifier) {
	p := &Pending{
		Originator:          originator,
		OriginalRequestUUID: originalRequestUUID,
		Intent:              intentName,
		Context:             context,
		Target:              target,
		Status:              StatusAwaitingListener,
	}
	e.pending[originalRequestUUID] = p

	dispatch := func() {
		p.Status = StatusDispatched
		tok := EncodeToken(p.Originator, p.OriginalRequestUUID)
		e.dispatcher.DeliverIntentEvent(p.Target, p.Intent, p.Context, p.Originator, tok)
		e.dispatcher.DeliverIntentResolution(p.Originator, p.OriginalRequestUUID, p.Target, p.Intent)
		p.Status = StatusAwaitingResult
	}

	if e.listeners.HasIntentListener(target.InstanceId, intentName) {
		dispatch()
		return
	}
	key := waiterKey{instance: target.InstanceId, intent: intentName}
	e.waiters[key] = append(e.waiters[key], dispatch)
}

// NotifyListenerRegistered wakes every pending raise awaiting
// (instance, intentName)'s listener registration. Called by the root
// dispatcher right after directory.RegisterIntentListener succeeds.
func (e *Engine) NotifyListenerRegistered(instance bus.InstanceId, intentName string) {
	key := waiterKey{instance: instance, intent: intentName}
	waiting := e.waiters[key]
	delete(e.waiters, key)
	for _, wake := range waiting {
		wake()
	}
}

// OnIntentResult implements spec section 4.E's onIntentResult: decode
// the token, optionally allow-list a returned private channel, and
// forward the result to the originator.
func (e *Engine) OnIntentResult(raiseIntentRequestUUID string, resultPayload json.RawMessage, allowPrivateChannel func(channelID bus.ChannelId, instance bus.FullyQualifiedAppIdentifier) error) error {
	originator, originalRequestUUID, err := DecodeToken(raiseIntentRequestUUID)
	if err != nil {
		return err
	}
	if channelID, ok := privateChannelFromResult(resultPayload); ok {
		if err := allowPrivateChannel(channelID, originator); err != nil {
			return err
		}
	}
	if p, ok := e.pending[originalRequestUUID]; ok {
		p.Status = StatusCompleted
		delete(e.pending, originalRequestUUID)
	}
	e.dispatcher.DeliverIntentResult(originator, originalRequestUUID, resultPayload)
	return nil
}

type channelResultShape struct {
	Channel *struct {
		ID   bus.ChannelId `json:"id"`
		Type string        `json:"type"`
	} `json:"channel"`
}

func privateChannelFromResult(payload json.RawMessage) (bus.ChannelId, bool) {
	var shape channelResultShape
	if err := json.Unmarshal(payload, &shape); err != nil || shape.Channel == nil {
		return "", false
	}
	if shape.Channel.Type != string(bus.ChannelTypePrivate) {
		return "", false
	}
	return shape.Channel.ID, true
}

// FailPending marks every pending raise targeting instance as failed
// and notifies each originator of IntentDeliveryFailed, per spec
// section 4.H's disconnect cascade.
func (e *Engine) FailPending(instance bus.InstanceId) {
	for reqUUID, p := range e.pending {
		if p.Target.InstanceId != instance {
			continue
		}
		p.Status = StatusFailed
		delete(e.pending, reqUUID)
		e.dispatcher.DeliverIntentDeliveryFailed(p.Originator, p.OriginalRequestUUID)
	}
	for key := range e.waiters {
		if key.instance == instance {
			delete(e.waiters, key)
		}
	}
}

// PendingCount reports how many raises are outstanding, for diagnostics
// and tests.
func (e *Engine) PendingCount() int {
	return len(e.pending)
}

// NewListenerUUID is a small helper so callers needing a fresh
// listener-registration id don't have to import google/uuid directly.
func NewListenerUUID() string {
	return uuid.NewString()
}
