// Package root wires every subsystem — transport, directory, channel,
// intent, launch, events, heartbeat — into the single-threaded
// coordinator spec section 4.I (and section 5's concurrency model)
// describe: one dispatch goroutine draining one inbox channel, so every
// subsystem method below it can assume exclusive access without a
// mutex.
//
// Grounded on coreengine/kernel/kernel.go's Kernel struct for subsystem
// composition via plain fields. The Coordinator holds no lock: post only
// queues a continuation on the inbox, and the dispatch goroutine runs it.
// Close cancels the dispatch loop and always returns nil.
package root

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/channel"
	"github.com/paulgoldsmith/fdc3-web-sub000/config"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/events"
	"github.com/paulgoldsmith/fdc3-web-sub000/heartbeat"
	"github.com/paulgoldsmith/fdc3-web-sub000/intent"
	"github.com/paulgoldsmith/fdc3-web-sub000/launch"
	"github.com/paulgoldsmith/fdc3-web-sub000/observability"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

// Logger is the logging surface the coordinator and its subsystems
// share.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// connState is the per-transport-channel handshake/identity state the
// coordinator tracks outside of directory/channel (which only know
// about resolved identities, not in-flight handshakes).
type connState struct {
	connectionAttemptUUID string
	channelID              transport.ChannelId
	identity               bus.FullyQualifiedAppIdentifier
	validated              bool
	connectedAt            time.Time
}

// Coordinator is the root: it owns every subsystem and the single
// dispatch goroutine that serializes all access to them.
type Coordinator struct {
	cfg       *config.RootConfig
	logger    Logger
	transport transport.Transport

	// selfIdentity is the source the coordinator stamps on every
	// Response and Event envelope it emits; it never appears as a
	// directory or heartbeat-monitored instance (spec section 3's
	// invariant that the heartbeat monitor never runs for the root).
	selfIdentity bus.FullyQualifiedAppIdentifier

	directory *directory.Directory
	channels  *channel.Engine
	intents   *intent.Engine
	events    *events.Registry
	monitor   *heartbeat.Monitor
	launcher  *launch.Orchestrator

	// inbox is the single channel every cross-goroutine trigger (inbound
	// transport messages, the heartbeat ticker, await timeouts) posts a
	// continuation onto; everything below this point is therefore only
	// ever touched from the dispatch goroutine draining it, and needs no
	// lock (spec section 5's concurrency model).
	inbox chan func()

	conns          map[transport.ChannelId]*connState
	byInstance     map[bus.InstanceId]transport.ChannelId
	identityAwaits map[bus.InstanceId]map[int]func(bool)
	contextAwaits  map[bus.InstanceId]map[int]contextAwait
	nextAwaitID    int

	// pendingRaiseIntents stashes the originating channel and request
	// envelope for a raiseIntent/raiseIntentForContext call whose
	// RaiseIntentResponse cannot be sent until the intent engine actually
	// dispatches (which may be arbitrarily later, if the raise had to
	// await the target's listener registration), keyed by the original
	// request's requestUuid.
	pendingRaiseIntents map[string]pendingRaiseIntent

	// pendingOpens correlates an in-flight openRequest to the InstanceId
	// pre-allocated for it, keyed by the connectionAttemptUuid the launch
	// strategy hands to the newly opened window out of band. When that
	// window's WCP4ValidateAppIdentity arrives carrying the same uuid,
	// the dispatcher binds it to this InstanceId instead of minting a
	// fresh one (spec section 4.F step 5).
	pendingOpens map[string]*pendingOpen

	cancel context.CancelFunc
	done   chan struct{}
}

type contextAwait struct {
	ctxType string
	fn      func(bool)
}

// pendingOpen is the bookkeeping kept between onOpenRequest's strategy
// invocation and the new instance's identity-validation handshake.
type pendingOpen struct {
	appID      bus.AppId
	instanceID bus.InstanceId
}

// pendingRaiseIntent is the bookkeeping kept between a raiseIntent (or
// raiseIntentForContext) request's arrival and its eventual dispatch.
type pendingRaiseIntent struct {
	channelID transport.ChannelId
	req       bus.Request
	raisedAt  time.Time
}

// New constructs a Coordinator. cfg and logger default when nil/empty;
// userChannels seeds the channel engine's predeclared user channels.
// strategies are the configured openStrategies (spec section 6), tried
// in order before the built-in web-URL fallback; callers needing only
// the fallback may omit them entirely.
func New(cfg *config.RootConfig, logger Logger, tp transport.Transport, dir *directory.Directory, userChannels []bus.Channel, strategies ...launch.Strategy) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Coordinator{
		cfg:            cfg,
		logger:         logger,
		transport:      tp,
		selfIdentity:   bus.FullyQualifiedAppIdentifier{AppId: bus.AppId(cfg.IdentityURL)},
		directory:      dir,
		inbox:          make(chan func(), 256),
		conns:          make(map[transport.ChannelId]*connState),
		byInstance:     make(map[bus.InstanceId]transport.ChannelId),
		identityAwaits: make(map[bus.InstanceId]map[int]func(bool)),
		contextAwaits:  make(map[bus.InstanceId]map[int]contextAwait),
		pendingRaiseIntents: make(map[string]pendingRaiseIntent),
		pendingOpens:        make(map[string]*pendingOpen),
		done:           make(chan struct{}),
	}
	c.channels = channel.New(userChannels, c)
	c.events = events.New(c)
	c.intents = intent.New(c, c.directory)
	c.monitor = heartbeat.New(c, c, time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond, cfg.HeartbeatMaxTries)
	allStrategies := make([]launch.Strategy, 0, len(strategies)+1)
	allStrategies = append(allStrategies, strategies...)
	allStrategies = append(allStrategies, launch.WebURLStrategy{Open: c.openWebURL})
	c.launcher = launch.New(c, launch.Config{
		IdentityValidationTimeout: time.Duration(cfg.IdentityValidationTimeoutMS) * time.Millisecond,
		ContextHandoffTimeout:     time.Duration(cfg.ContextHandoffTimeoutMS) * time.Millisecond,
	}, allStrategies...)
	return c
}

// post hands fn to the single dispatch goroutine. Safe to call from any
// goroutine (transport callbacks, the heartbeat ticker); fn itself must
// never call post synchronously from within another post (it would
// deadlock on an unbuffered send only if the inbox is full — the inbox
// is generously buffered to make that practically unreachable).
func (c *Coordinator) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// Run starts the dispatch loop and the heartbeat ticker, blocking until
// ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	unsubscribe := c.transport.Subscribe(c.onInbound)
	defer unsubscribe()

	go c.monitor.Run(ctx, c.post)

	for {
		select {
		case <-ctx.Done():
			close(c.done)
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Close stops the dispatch loop.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// onInbound is transport's Subscribe callback; it always runs off the
// dispatch goroutine, so it does nothing but post a continuation.
func (c *Coordinator) onInbound(in transport.Inbound) {
	c.post(func() { c.handleInbound(in) })
}

func (c *Coordinator) handleInbound(in transport.Inbound) {
	var req bus.Request
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		c.logger.Warn("root: malformed envelope", "channel", in.ChannelId, "error", err)
		return
	}
	Dispatch(c, in.ChannelId, req)
}

// openWebURL is WebURLStrategy's Open callback; production wiring
// replaces this with whatever surfaces the URL to the proxy shell. The
// coordinator itself has no opinion on how a window/iframe gets
// created, only that the attempt is logged.
func (c *Coordinator) openWebURL(url string) error {
	c.logger.Info("root: open web app", "url", url)
	return nil
}

// publish marshals payload as an envelope of type typ and sends it down
// target's transport channel, logging (never panicking) on failure —
// outbound delivery failures are not part of the closed error taxonomy.
func (c *Coordinator) publish(target bus.InstanceId, typ string, payload any) {
	channelID, ok := c.byInstance[target]
	if !ok {
		c.logger.Warn("root: publish to unknown instance", "instance", target)
		return
	}
	evt, err := bus.NewEvent(typ, payload)
	if err != nil {
		c.logger.Error("root: marshal event", "type", typ, "error", err)
		return
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("root: marshal envelope", "type", typ, "error", err)
		return
	}
	if err := c.transport.Publish(context.Background(), []transport.ChannelId{channelID}, raw); err != nil {
		c.logger.Warn("root: publish failed", "instance", target, "error", err)
	}
}

// respond marshals and publishes a Response envelope answering req on
// channelID.
func (c *Coordinator) respond(channelID transport.ChannelId, req bus.Request, typ string, source bus.FullyQualifiedAppIdentifier, payload any) {
	resp, err := bus.NewResponse(req, typ, source, payload)
	if err != nil {
		c.logger.Error("root: marshal response", "type", typ, "error", err)
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("root: marshal envelope", "type", typ, "error", err)
		return
	}
	if err := c.transport.Publish(context.Background(), []transport.ChannelId{channelID}, raw); err != nil {
		c.logger.Warn("root: respond failed", "channel", channelID, "error", err)
	}
}

// respondError answers req with its type's wire-convention response
// name ("raiseIntentRequest" -> "raiseIntentResponse", per spec section
// 6's <verb><Noun>{Request|Response} naming) carrying the mapped
// WireError. An error that doesn't match the closed taxonomy is logged
// and reported as ResolverUnavailable rather than leaking an internal
// message onto the wire.
func (c *Coordinator) respondError(channelID transport.ChannelId, req bus.Request, source bus.FullyQualifiedAppIdentifier, err error) {
	we, ok := bus.ToWireError(err)
	if !ok {
		c.logger.Error("root: unmapped error", "error", err)
		we = bus.ErrResolverUnavailable
	}
	respType := strings.TrimSuffix(req.Type, "Request") + "Response"
	c.respond(channelID, req, respType, source, bus.ErrorPayload{Error: string(we)})
}

// --- intent.Dispatcher ---

func (c *Coordinator) DeliverIntentEvent(target bus.FullyQualifiedAppIdentifier, intentName string, ctx bus.Context, originatingApp bus.FullyQualifiedAppIdentifier, raiseIntentRequestUUID string) {
	c.publish(target.InstanceId, "IntentEvent", map[string]any{
		"intent":                 intentName,
		"context":                ctx,
		"originatingApp":         originatingApp,
		"raiseIntentRequestUuid": raiseIntentRequestUUID,
	})
}

// DeliverIntentResolution answers the stashed raiseIntentRequest (or
// raiseIntentForContextRequest) with RaiseIntentResponse, once the
// intent engine actually dispatches. A pending entry not being found
// means the request never stashed one (a bug elsewhere, since every
// raise handler stashes before calling intents.RaiseIntent) — logged
// rather than panicking, since a misrouted response is recoverable.
func (c *Coordinator) DeliverIntentResolution(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string, target bus.FullyQualifiedAppIdentifier, intentName string) {
	pending, ok := c.pendingRaiseIntents[originalRequestUUID]
	if !ok {
		c.logger.Error("root: raiseIntent resolved with no pending response", "requestUuid", originalRequestUUID)
		return
	}
	delete(c.pendingRaiseIntents, originalRequestUUID)
	observability.RecordIntentRaise(intentName, "dispatched")
	if !pending.raisedAt.IsZero() {
		observability.RecordIntentResolution(intentName, time.Since(pending.raisedAt).Seconds())
	}
	c.respond(pending.channelID, pending.req, "raiseIntentResponse", c.selfIdentity, map[string]any{
		"intentResolution": map[string]any{"source": target, "intent": intentName},
	})
}

func (c *Coordinator) DeliverIntentResult(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string, resultPayload json.RawMessage) {
	c.publish(originator.InstanceId, "RaiseIntentResultResponse", map[string]any{
		"requestUuid": originalRequestUUID,
		"intentResult": resultPayload,
	})
}

func (c *Coordinator) DeliverIntentDeliveryFailed(originator bus.FullyQualifiedAppIdentifier, originalRequestUUID string) {
	observability.RecordIntentRaise("", "delivery_failed")
	c.publish(originator.InstanceId, "RaiseIntentResultResponse", map[string]any{
		"requestUuid": originalRequestUUID,
		"error":       string(bus.ErrIntentDeliveryFailed),
	})
}

// --- channel.Sink ---

func (c *Coordinator) DeliverBroadcast(target bus.FullyQualifiedAppIdentifier, evt channel.BroadcastEvent) {
	c.publish(target.InstanceId, "BroadcastEvent", evt)
}

func (c *Coordinator) DeliverChannelChanged(target bus.FullyQualifiedAppIdentifier, newChannelID bus.ChannelId) {
	c.publish(target.InstanceId, "ChannelChangedEvent", map[string]any{"channelId": newChannelID})
	c.events.Publish(target, events.AgentEvent{Type: events.EventUserChannelChanged, Details: map[string]any{"channelId": newChannelID}})
}

// DeliverPrivateChannelEvent forwards evt only to targets that actually
// hold an addPrivateChannelEventListener subscription matching it (spec
// section 4.G): the channel engine's allow-list/creator check decides
// who is *eligible*, this check decides who *subscribed*.
func (c *Coordinator) DeliverPrivateChannelEvent(target bus.FullyQualifiedAppIdentifier, evt channel.PrivateChannelEvent) {
	if !c.events.PrivateChannelSubscribed(target, evt.ChannelId, string(evt.Type)) {
		return
	}
	c.publish(target.InstanceId, "PrivateChannelEvent", evt)
}

// --- events.Sink ---

func (c *Coordinator) DeliverAgentEvent(target bus.FullyQualifiedAppIdentifier, evt events.AgentEvent) {
	c.publish(target.InstanceId, "AgentEvent", evt)
}

// --- heartbeat.Sender / DisconnectHandler ---

func (c *Coordinator) SendHeartbeat(instance bus.InstanceId, eventUUID string) error {
	channelID, ok := c.byInstance[instance]
	if !ok {
		return errors.New("root: heartbeat target has no transport channel")
	}
	evt, err := bus.NewEvent("HeartbeatEvent", map[string]any{"eventUuid": eventUUID})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.transport.Publish(context.Background(), []transport.ChannelId{channelID}, raw)
}

func (c *Coordinator) OnDisconnect(instance bus.InstanceId) {
	channelID, ok := c.byInstance[instance]
	delete(c.byInstance, instance)
	if ok {
		if cs, csOK := c.conns[channelID]; csOK && !cs.connectedAt.IsZero() {
			observability.RecordConnectionDuration(time.Since(cs.connectedAt).Seconds())
		}
		delete(c.conns, channelID)
	}
	observability.RecordConnection("disconnected")

	identity := c.directory.LookupInstanceIdentity(instance)
	c.directory.RemoveInstance(instance)
	c.channels.Disconnect(identity)
	c.intents.FailPending(instance)
	c.events.RemoveInstance(identity)
	if ok {
		_ = c.transport.Close(channelID)
	}
}

// --- launch.Awaiter ---

func (c *Coordinator) AwaitIdentityValidated(instance bus.InstanceId, timeout time.Duration, fn func(ok bool)) {
	for _, cs := range c.conns {
		if cs.identity.InstanceId == instance && cs.validated {
			fn(true)
			return
		}
	}
	c.nextAwaitID++
	id := c.nextAwaitID
	if c.identityAwaits[instance] == nil {
		c.identityAwaits[instance] = make(map[int]func(bool))
	}
	c.identityAwaits[instance][id] = fn

	time.AfterFunc(timeout, func() {
		c.post(func() { c.expireIdentityAwait(instance, id) })
	})
}

func (c *Coordinator) expireIdentityAwait(instance bus.InstanceId, id int) {
	fn, ok := c.identityAwaits[instance][id]
	if !ok {
		return
	}
	delete(c.identityAwaits[instance], id)
	fn(false)
}

// NotifyIdentityValidated wakes every await registered for instance.
// Called by the dispatcher right after a WCP4/WCP5 handshake succeeds.
func (c *Coordinator) NotifyIdentityValidated(instance bus.InstanceId) {
	waiters := c.identityAwaits[instance]
	delete(c.identityAwaits, instance)
	for _, fn := range waiters {
		fn(true)
	}
}

func (c *Coordinator) AwaitContextListener(instance bus.InstanceId, ctxType string, timeout time.Duration, fn func(ok bool)) {
	c.nextAwaitID++
	id := c.nextAwaitID
	if c.contextAwaits[instance] == nil {
		c.contextAwaits[instance] = make(map[int]contextAwait)
	}
	c.contextAwaits[instance][id] = contextAwait{ctxType: ctxType, fn: fn}

	time.AfterFunc(timeout, func() {
		c.post(func() { c.expireContextAwait(instance, id) })
	})
}

func (c *Coordinator) expireContextAwait(instance bus.InstanceId, id int) {
	w, ok := c.contextAwaits[instance][id]
	if !ok {
		return
	}
	delete(c.contextAwaits[instance], id)
	w.fn(false)
}

// NotifyContextListenerRegistered wakes every await registered for
// instance whose ctxType matches the newly registered listener's type —
// or either side is the wildcard empty string, since a null-typed
// listener satisfies an await for any specific type and vice versa
// (spec section 4.F step 6). Called by the dispatcher right after
// channel.Engine.AddContextListener succeeds.
func (c *Coordinator) NotifyContextListenerRegistered(instance bus.InstanceId, ctxType string) {
	waiters := c.contextAwaits[instance]
	for id, w := range waiters {
		if w.ctxType == "" || ctxType == "" || w.ctxType == ctxType {
			delete(waiters, id)
			w.fn(true)
		}
	}
}
