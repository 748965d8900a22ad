// Dispatch implements the root request dispatcher (spec section 4.I): a
// pure switch on request type that routes to the appropriate subsystem
// and produces exactly one response (or none, for fire-and-forget
// requests like heartbeatAcknowledgementRequest). Unknown types are
// logged and dropped, never replied to. Requests that arrive before
// identity validation, and most requests whose payload fails to decode,
// are likewise logged and get no response; the raise-intent handlers
// answer a malformed payload with MalformedContext.
//
// Grounded on coreengine/grpc/server.go's one-RPC-method-per-request-
// type dispatch and coreengine/kernel/services.go's ServiceRegistry.Dispatch
// existence/lookup pattern, adapted from gRPC's generated-stub dispatch
// to a plain type-string switch since this wire protocol has no IDL.
package root

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/channel"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/events"
	"github.com/paulgoldsmith/fdc3-web-sub000/intent"
	"github.com/paulgoldsmith/fdc3-web-sub000/launch"
	"github.com/paulgoldsmith/fdc3-web-sub000/observability"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

// errMalformedContext is raised whenever a request that carries a
// context field fails Context.Valid(), per spec's closed MalformedContext
// error (S2's literal scenario).
var errMalformedContext = errors.New(string(bus.ErrMalformedContext))

// Dispatch routes one inbound Request to its handler. channelID is the
// transport channel req arrived on.
func Dispatch(c *Coordinator, channelID transport.ChannelId, req bus.Request) {
	switch req.Type {
	case "WCP1Hello":
		c.handleHello(channelID, req)
		return
	case "WCP4ValidateAppIdentity":
		c.handleValidateIdentity(channelID, req)
		return
	}

	cs, ok := c.conns[channelID]
	if !ok || !cs.validated {
		c.logger.Warn("root: request before identity validated", "type", req.Type, "channel", channelID)
		return
	}
	source := cs.identity
	c.monitor.Track(source.InstanceId)

	switch req.Type {
	case "heartbeatAcknowledgementRequest":
		c.handleHeartbeatAck(req, source)
	case "raiseIntentRequest":
		c.handleRaiseIntent(channelID, req, source)
	case "raiseIntentForContextRequest":
		c.handleRaiseIntentForContext(channelID, req, source)
	case "intentResultRequest":
		c.handleIntentResult(channelID, req)
	case "addIntentListenerRequest":
		c.handleAddIntentListener(channelID, req, source)
	case "addContextListenerRequest":
		c.handleAddContextListener(channelID, req, source)
	case "getCurrentContextRequest":
		c.handleGetCurrentContext(channelID, req)
	case "broadcastRequest":
		c.handleBroadcast(channelID, req, source)
	case "getOrCreateChannelRequest":
		c.handleGetOrCreateChannel(channelID, req)
	case "createPrivateChannelRequest":
		c.handleCreatePrivateChannel(channelID, req, source)
	case "joinUserChannelRequest":
		c.handleJoinUserChannel(channelID, req, source)
	case "getUserChannelsRequest":
		c.handleGetUserChannels(channelID, req)
	case "addEventListenerRequest":
		c.handleAddEventListener(channelID, req, source)
	case "addPrivateChannelEventListenerRequest":
		c.handleAddPrivateChannelEventListener(channelID, req, source)
	case "unsubscribeListenerRequest":
		c.handleUnsubscribeListener(channelID, req)
	case "removeEventListenerRequest":
		c.handleRemoveEventListener(channelID, req)
	case "getAppMetadataRequest":
		c.handleGetAppMetadata(channelID, req)
	case "findInstancesRequest":
		c.handleFindInstances(channelID, req)
	case "getAppIntentRequest":
		c.handleGetAppIntent(channelID, req)
	case "getAppIntentsForContextRequest":
		c.handleGetAppIntentsForContext(channelID, req)
	case "getContextForAppIntentRequest":
		c.handleGetContextForAppIntent(channelID, req)
	case "getAppDirectoryApplicationRequest":
		c.handleGetAppDirectoryApplication(channelID, req)
	case "openRequest":
		c.handleOpen(channelID, req, source)
	default:
		c.logger.Warn("root: unknown request type", "type", req.Type)
	}
}

func (c *Coordinator) handleHello(channelID transport.ChannelId, req bus.Request) {
	var hello bus.WCP1Hello
	if err := json.Unmarshal(req.Payload, &hello); err != nil {
		c.logger.Warn("root: malformed WCP1Hello", "channel", channelID, "error", err)
		return
	}
	// Root allocates the dedicated endpoint the proxy's WCP4 validation
	// will arrive on (spec section 4.A step 2); the new ChannelId is
	// never named in the WCP3Handshake payload itself, only carried by
	// however the transport back-end physically hands the endpoint to
	// the proxy (e.g. a transferred MessagePort).
	newChannelID := c.transport.Connect()
	c.conns[newChannelID] = &connState{connectionAttemptUUID: hello.ConnectionAttemptUuid}
	c.respond(newChannelID, req, "WCP3Handshake", c.selfIdentity, bus.WCP3Handshake{
		ConnectionAttemptUuid: hello.ConnectionAttemptUuid,
		FDC3Version:           c.cfg.FDC3Version,
	})
}

func (c *Coordinator) handleValidateIdentity(channelID transport.ChannelId, req bus.Request) {
	var v bus.WCP4ValidateAppIdentity
	if err := json.Unmarshal(req.Payload, &v); err != nil {
		c.logger.Warn("root: malformed WCP4ValidateAppIdentity", "channel", channelID, "error", err)
		return
	}
	cs, ok := c.conns[channelID]
	if !ok {
		c.logger.Warn("root: WCP4ValidateAppIdentity on unknown channel", "channel", channelID)
		return
	}

	var identifier bus.FullyQualifiedAppIdentifier
	var resolveErr error

	switch {
	case v.ConnectionAttemptUuid != "" && c.pendingOpens[v.ConnectionAttemptUuid] != nil:
		pending := c.pendingOpens[v.ConnectionAttemptUuid]
		delete(c.pendingOpens, v.ConnectionAttemptUuid)
		if err := c.directory.RegisterExistingInstance(pending.appID, pending.instanceID); err != nil {
			resolveErr = err
		} else {
			identifier = bus.FullyQualifiedAppIdentifier{AppId: pending.appID, InstanceId: pending.instanceID}
		}
	case v.InstanceId != nil:
		appID, _, err := c.directory.ResolveIdentityURL(v.IdentityURL)
		if err != nil {
			resolveErr = err
		} else if err := c.directory.RegisterExistingInstance(appID, *v.InstanceId); err != nil {
			resolveErr = err
		} else {
			identifier = bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: *v.InstanceId}
		}
	default:
		identifier, _, resolveErr = c.directory.RegisterNewInstance(v.IdentityURL)
	}

	if resolveErr != nil {
		delete(c.conns, channelID)
		observability.RecordConnection("identity_failed")
		c.respond(channelID, req, "WCP5ValidateAppIdentityFailedResponse", c.selfIdentity, bus.WCP5ValidateAppIdentityFailedResponse{
			Message: resolveErr.Error(),
		})
		_ = c.transport.Close(channelID)
		return
	}

	cs.identity = identifier
	cs.validated = true
	cs.connectedAt = time.Now()
	c.byInstance[identifier.InstanceId] = channelID
	observability.RecordConnection("connected")

	c.respond(channelID, req, "WCP5ValidateAppIdentitySuccessResponse", c.selfIdentity, bus.WCP5ValidateAppIdentitySuccessResponse{
		AppId:      identifier.AppId,
		InstanceId: identifier.InstanceId,
	})
	c.NotifyIdentityValidated(identifier.InstanceId)
}

type heartbeatAckPayload struct {
	HeartbeatEventUuid string `json:"heartbeatEventUuid"`
}

func (c *Coordinator) handleHeartbeatAck(req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p heartbeatAckPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed heartbeatAcknowledgementRequest", "error", err)
		return
	}
	c.monitor.Ack(source.InstanceId, p.HeartbeatEventUuid)
}

type raiseIntentPayload struct {
	Intent  string                           `json:"intent"`
	Context bus.Context                      `json:"context"`
	App     *bus.FullyQualifiedAppIdentifier `json:"app,omitempty"`
}

func (c *Coordinator) handleRaiseIntent(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p raiseIntentPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || !p.Context.Valid() {
		c.respondError(channelID, req, c.selfIdentity, errMalformedContext)
		return
	}
	target, err := c.directory.ResolveAppInstanceForIntent(context.Background(), p.Intent, p.Context.Type, p.App)
	if err != nil {
		observability.RecordIntentRaise(p.Intent, raiseFailureStatus(err))
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	// No immediate response here: dispatch() may have to await the
	// target's listener registration (spec section 4.E step 3), in
	// which case RaiseIntentResponse is deferred until
	// DeliverIntentResolution fires (possibly much later, per S1).
	c.pendingRaiseIntents[req.Meta.RequestUuid] = pendingRaiseIntent{channelID: channelID, req: req, raisedAt: time.Now()}
	c.intents.RaiseIntent(source, req.Meta.RequestUuid, p.Intent, p.Context, target)
}

// raiseFailureStatus maps a resolution error to a metrics status label.
func raiseFailureStatus(err error) string {
	if errors.Is(err, directory.ErrNoAppsFound) {
		return "no_apps_found"
	}
	return "resolution_failed"
}

type raiseIntentForContextPayload struct {
	Context bus.Context `json:"context"`
	App     *bus.AppId  `json:"app,omitempty"`
}

func (c *Coordinator) handleRaiseIntentForContext(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p raiseIntentForContextPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || !p.Context.Valid() {
		c.respondError(channelID, req, c.selfIdentity, errMalformedContext)
		return
	}
	var preferredApp bus.AppId
	if p.App != nil {
		preferredApp = *p.App
	}
	ai, target, err := c.directory.ResolveAppInstanceForContext(context.Background(), p.Context, preferredApp)
	if err != nil {
		observability.RecordIntentRaise("", raiseFailureStatus(err))
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	c.pendingRaiseIntents[req.Meta.RequestUuid] = pendingRaiseIntent{channelID: channelID, req: req, raisedAt: time.Now()}
	c.intents.RaiseIntent(source, req.Meta.RequestUuid, ai.Intent, p.Context, target)
}

type intentResultPayload struct {
	RaiseIntentRequestUuid string          `json:"raiseIntentRequestUuid"`
	IntentResult           json.RawMessage `json:"intentResult"`
}

func (c *Coordinator) handleIntentResult(channelID transport.ChannelId, req bus.Request) {
	var p intentResultPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed intentResultRequest", "error", err)
		return
	}
	// Step 1 of onIntentResult: acknowledge the target before anything
	// else, per spec section 4.E.
	c.respond(channelID, req, "intentResultResponse", c.selfIdentity, struct{}{})
	if err := c.intents.OnIntentResult(p.RaiseIntentRequestUuid, p.IntentResult, c.channels.AllowInPrivateChannel); err != nil {
		c.logger.Warn("root: onIntentResult failed", "error", err)
	}
}

type addIntentListenerPayload struct {
	Intent   string        `json:"intent"`
	Contexts []bus.Context `json:"contexts,omitempty"`
}

func (c *Coordinator) handleAddIntentListener(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p addIntentListenerPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed addIntentListenerRequest", "error", err)
		return
	}
	if err := c.directory.RegisterIntentListener(source.InstanceId, p.Intent, p.Contexts); err != nil {
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	listenerUUID := intent.NewListenerUUID()
	c.intents.NotifyListenerRegistered(source.InstanceId, p.Intent)
	c.respond(channelID, req, "addIntentListenerResponse", c.selfIdentity, map[string]any{"listenerUuid": listenerUUID})
}

type addContextListenerPayload struct {
	ChannelId   bus.ChannelId `json:"channelId,omitempty"`
	ContextType string        `json:"contextType,omitempty"`
}

func (c *Coordinator) handleAddContextListener(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p addContextListenerPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed addContextListenerRequest", "error", err)
		return
	}
	listenerUUID, err := c.channels.AddContextListener(p.ChannelId, source, p.ContextType)
	if err != nil {
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	c.NotifyContextListenerRegistered(source.InstanceId, p.ContextType)
	c.respond(channelID, req, "addContextListenerResponse", c.selfIdentity, map[string]any{"listenerUuid": listenerUUID})
}

type getCurrentContextPayload struct {
	ChannelId   bus.ChannelId `json:"channelId"`
	ContextType string        `json:"contextType,omitempty"`
}

func (c *Coordinator) handleGetCurrentContext(channelID transport.ChannelId, req bus.Request) {
	var p getCurrentContextPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getCurrentContextRequest", "error", err)
		return
	}
	payload := map[string]any{}
	if ctx, ok := c.channels.GetCurrentContext(p.ChannelId, p.ContextType); ok {
		payload["context"] = ctx
	}
	c.respond(channelID, req, "getCurrentContextResponse", c.selfIdentity, payload)
}

type broadcastPayload struct {
	ChannelId bus.ChannelId `json:"channelId"`
	Context   bus.Context   `json:"context"`
}

func (c *Coordinator) handleBroadcast(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p broadcastPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || !p.Context.Valid() {
		c.respondError(channelID, req, c.selfIdentity, errMalformedContext)
		return
	}
	if err := c.channels.Broadcast(p.ChannelId, p.Context, source); err != nil {
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	observability.RecordChannelBroadcast(string(c.channelType(p.ChannelId)))
	c.respond(channelID, req, "broadcastResponse", c.selfIdentity, struct{}{})
}

// channelType looks up id's declared type for metrics labeling, falling
// back to "unknown" if Broadcast succeeded against a channel that has
// since disappeared from the listing (it cannot have, under the
// single-dispatch-goroutine model, but Channels() is a defensive scan
// rather than a direct map lookup).
func (c *Coordinator) channelType(id bus.ChannelId) bus.ChannelType {
	for _, ch := range c.channels.Channels() {
		if ch.ID == id {
			return ch.Type
		}
	}
	return "unknown"
}

type getOrCreateChannelPayload struct {
	ChannelId bus.ChannelId `json:"channelId"`
}

func (c *Coordinator) handleGetOrCreateChannel(channelID transport.ChannelId, req bus.Request) {
	var p getOrCreateChannelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getOrCreateChannelRequest", "error", err)
		return
	}
	id := c.channels.GetOrCreateChannel(p.ChannelId)
	c.respond(channelID, req, "getOrCreateChannelResponse", c.selfIdentity, map[string]any{
		"channel": bus.Channel{ID: id, Type: bus.ChannelTypeApp},
	})
}

func (c *Coordinator) handleCreatePrivateChannel(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	id := c.channels.CreatePrivateChannel(source)
	c.respond(channelID, req, "createPrivateChannelResponse", c.selfIdentity, map[string]any{
		"channel": bus.Channel{ID: id, Type: bus.ChannelTypePrivate},
	})
}

type joinUserChannelPayload struct {
	ChannelId bus.ChannelId `json:"channelId"`
}

func (c *Coordinator) handleJoinUserChannel(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p joinUserChannelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed joinUserChannelRequest", "error", err)
		return
	}
	if err := c.channels.JoinUserChannel(source, p.ChannelId); err != nil {
		c.respondError(channelID, req, c.selfIdentity, err)
		return
	}
	c.DeliverChannelChanged(source, p.ChannelId)
	c.respond(channelID, req, "joinUserChannelResponse", c.selfIdentity, struct{}{})
}

func (c *Coordinator) handleGetUserChannels(channelID transport.ChannelId, req bus.Request) {
	var userChannels []bus.Channel
	for _, ch := range c.channels.Channels() {
		if ch.Type == bus.ChannelTypeUser {
			userChannels = append(userChannels, ch)
		}
	}
	c.respond(channelID, req, "getUserChannelsResponse", c.selfIdentity, map[string]any{"userChannels": userChannels})
}

type addEventListenerPayload struct {
	Type string `json:"type,omitempty"`
}

func (c *Coordinator) handleAddEventListener(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p addEventListenerPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed addEventListenerRequest", "error", err)
		return
	}
	listenerUUID := c.events.AddEventListener(source, events.AgentEventType(p.Type))
	c.respond(channelID, req, "addEventListenerResponse", c.selfIdentity, map[string]any{"listenerUuid": listenerUUID})
}

type addPrivateChannelEventListenerPayload struct {
	ChannelId bus.ChannelId `json:"channelId"`
	EventType string        `json:"eventType,omitempty"`
}

func (c *Coordinator) handleAddPrivateChannelEventListener(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p addPrivateChannelEventListenerPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed addPrivateChannelEventListenerRequest", "error", err)
		return
	}
	listenerUUID := c.events.AddPrivateChannelEventListener(source, p.ChannelId, p.EventType)
	c.respond(channelID, req, "addPrivateChannelEventListenerResponse", c.selfIdentity, map[string]any{"listenerUuid": listenerUUID})
}

type listenerUUIDPayload struct {
	ListenerUuid string `json:"listenerUuid"`
}

// handleUnsubscribeListener removes a channel-context listener. Per
// spec section 8's round-trip property, an unknown listenerUuid is a
// silent no-op that still produces a success response.
func (c *Coordinator) handleUnsubscribeListener(channelID transport.ChannelId, req bus.Request) {
	var p listenerUUIDPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed unsubscribeListenerRequest", "error", err)
		return
	}
	c.channels.UnsubscribeListener(p.ListenerUuid)
	c.respond(channelID, req, "unsubscribeListenerResponse", c.selfIdentity, struct{}{})
}

func (c *Coordinator) handleRemoveEventListener(channelID transport.ChannelId, req bus.Request) {
	var p listenerUUIDPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed removeEventListenerRequest", "error", err)
		return
	}
	c.events.RemoveEventListener(p.ListenerUuid)
	c.respond(channelID, req, "removeEventListenerResponse", c.selfIdentity, struct{}{})
}

type getAppMetadataPayload struct {
	App bus.FullyQualifiedAppIdentifier `json:"app"`
}

func (c *Coordinator) handleGetAppMetadata(channelID transport.ChannelId, req bus.Request) {
	var p getAppMetadataPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getAppMetadataRequest", "error", err)
		return
	}
	record, ok := c.directory.GetAppMetadata(p.App)
	if !ok {
		c.respondError(channelID, req, c.selfIdentity, directory.ErrTargetAppUnavailable)
		return
	}
	c.respond(channelID, req, "getAppMetadataResponse", c.selfIdentity, map[string]any{"appMetadata": record})
}

type findInstancesPayload struct {
	App struct {
		AppId bus.AppId `json:"appId"`
	} `json:"app"`
}

func (c *Coordinator) handleFindInstances(channelID transport.ChannelId, req bus.Request) {
	var p findInstancesPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed findInstancesRequest", "error", err)
		return
	}
	instances, ok := c.directory.GetAppInstances(p.App.AppId)
	if !ok {
		c.respondError(channelID, req, c.selfIdentity, directory.ErrNoAppsFound)
		return
	}
	c.respond(channelID, req, "findInstancesResponse", c.selfIdentity, map[string]any{"appIdentifiers": instances})
}

type getAppIntentPayload struct {
	Intent     string       `json:"intent"`
	Context    *bus.Context `json:"context,omitempty"`
	ResultType string       `json:"resultType,omitempty"`
}

func (c *Coordinator) handleGetAppIntent(channelID transport.ChannelId, req bus.Request) {
	var p getAppIntentPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getAppIntentRequest", "error", err)
		return
	}
	ctxType := ""
	if p.Context != nil {
		ctxType = p.Context.Type
	}
	ai := c.directory.GetAppIntent(p.Intent, ctxType, p.ResultType)
	c.respond(channelID, req, "getAppIntentResponse", c.selfIdentity, map[string]any{"appIntent": ai})
}

type getAppIntentsForContextPayload struct {
	Context    bus.Context `json:"context"`
	ResultType string      `json:"resultType,omitempty"`
}

func (c *Coordinator) handleGetAppIntentsForContext(channelID transport.ChannelId, req bus.Request) {
	var p getAppIntentsForContextPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || !p.Context.Valid() {
		c.respondError(channelID, req, c.selfIdentity, errMalformedContext)
		return
	}
	list := c.directory.GetAppIntentsForContext(p.Context.Type, p.ResultType)
	c.respond(channelID, req, "getAppIntentsForContextResponse", c.selfIdentity, map[string]any{"appIntents": list})
}

type getContextForAppIntentPayload struct {
	App    bus.FullyQualifiedAppIdentifier `json:"app"`
	Intent string                          `json:"intent"`
}

func (c *Coordinator) handleGetContextForAppIntent(channelID transport.ChannelId, req bus.Request) {
	var p getContextForAppIntentPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getContextForAppIntentRequest", "error", err)
		return
	}
	contexts, ok := c.directory.GetContextForAppIntent(p.App, p.Intent)
	if !ok {
		c.respondError(channelID, req, c.selfIdentity, directory.ErrTargetAppUnavailable)
		return
	}
	c.respond(channelID, req, "getContextForAppIntentResponse", c.selfIdentity, map[string]any{"contexts": contexts})
}

type getAppDirectoryApplicationPayload struct {
	AppId bus.AppId `json:"appId"`
}

func (c *Coordinator) handleGetAppDirectoryApplication(channelID transport.ChannelId, req bus.Request) {
	var p getAppDirectoryApplicationPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed getAppDirectoryApplicationRequest", "error", err)
		return
	}
	record, ok := c.directory.GetAppDirectoryApplication(p.AppId)
	if !ok {
		c.respondError(channelID, req, c.selfIdentity, directory.ErrAppNotFound)
		return
	}
	c.respond(channelID, req, "getAppDirectoryApplicationResponse", c.selfIdentity, map[string]any{"application": record})
}

type openPayload struct {
	App struct {
		AppId bus.AppId `json:"appId"`
	} `json:"app"`
	Context *bus.Context `json:"context,omitempty"`
}

// handleOpen implements spec section 4.F's onOpenRequest. The
// launcher's own bounded awaits run as continuations keyed off a
// pre-allocated InstanceId (spec section 4.F step 5's "bind it to an
// InstanceId" is realized here by generating that id up front rather
// than waiting for the WCP4 handshake to mint one, so the awaiter can
// watch for it before it exists).
func (c *Coordinator) handleOpen(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier) {
	var p openPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.logger.Warn("root: malformed openRequest", "error", err)
		return
	}
	if p.Context != nil && !p.Context.Valid() {
		c.respondError(channelID, req, c.selfIdentity, errMalformedContext)
		return
	}

	appIdentifier := bus.FullyQualifiedAppIdentifier{AppId: p.App.AppId}
	record, ok := c.directory.GetAppMetadata(appIdentifier)
	if !ok {
		c.respondError(channelID, req, c.selfIdentity, directory.ErrAppNotFound)
		return
	}

	connectionAttemptUUID := bus.NewUUID()
	pendingInstanceID := bus.InstanceId(bus.NewUUID())
	c.pendingOpens[connectionAttemptUUID] = &pendingOpen{appID: p.App.AppId, instanceID: pendingInstanceID}
	target := bus.FullyQualifiedAppIdentifier{AppId: p.App.AppId, InstanceId: pendingInstanceID}

	c.launcher.OnOpenRequest(context.Background(), target, record, p.Context, connectionAttemptUUID, func(result launch.Result) {
		if result.Err != nil {
			delete(c.pendingOpens, connectionAttemptUUID)
			err := result.Err
			// Spec section 4.F step 5 is explicit that a bounded-await
			// timeout here surfaces as ErrorOnLaunch, unlike the generic
			// AppTimeout the launch orchestrator otherwise reports.
			if errors.Is(err, launch.ErrAppTimeout) {
				err = errors.New(string(bus.ErrErrorOnLaunch))
			}
			c.respondError(channelID, req, c.selfIdentity, err)
			return
		}
		if p.Context != nil {
			c.publish(result.Target.InstanceId, "BroadcastEvent", channel.BroadcastEvent{
				Context:        *p.Context,
				OriginatingApp: source,
			})
		}
		c.respond(channelID, req, "openResponse", c.selfIdentity, map[string]any{"appIdentifier": result.Target})
	})
}
