package root

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/config"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/testutil"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

const chatAppsBody = `{
  "message": "OK",
  "applications": [
    {
      "appId": "chat",
      "name": "Chat",
      "type": "web",
      "details": {"url": "https://chat.example.com/", "identityUrl": "https://chat.example.com/"},
      "intents": {"StartChat": {"contexts": ["fdc3.contact"]}}
    },
    {
      "appId": "notifier",
      "name": "Notifier",
      "type": "web",
      "details": {"url": "https://notifier.example.com/", "identityUrl": "https://notifier.example.com/"}
    }
  ]
}`

func newTestCoordinator(t *testing.T, body string) (*Coordinator, *testutil.MockTransport) {
	t.Helper()
	srv := testutil.NewDirectoryServer(body)
	t.Cleanup(srv.Close)

	dir := directory.New([]string{srv.URL}, nil, testutil.NewMockResolver(), nil)
	require.NoError(t, dir.Load(context.Background()))

	tp := testutil.NewMockTransport()
	userChannels := []bus.Channel{{ID: "fdc3.channel.1", Type: bus.ChannelTypeUser}}
	c := New(config.Default(), testutil.NewMockLogger(), tp, dir, userChannels)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, tp
}

// waitDrain posts a barrier continuation and blocks until the dispatch
// goroutine has processed everything queued ahead of it, including
// whatever handleInbound call an Inject just enqueued.
func waitDrain(t *testing.T, c *Coordinator) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator dispatch loop did not drain")
	}
}

func marshalRequest(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := bus.Request{
		Type: typ,
		Meta: bus.RequestMeta{
			RequestUuid: bus.NewUUID(),
			Timestamp:   time.Now(),
		},
		Payload: raw,
	}
	out, err := json.Marshal(req)
	require.NoError(t, err)
	return out
}

func marshalRequestFrom(t *testing.T, typ string, payload any, source bus.FullyQualifiedAppIdentifier) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := bus.Request{
		Type: typ,
		Meta: bus.RequestMeta{
			RequestUuid: bus.NewUUID(),
			Timestamp:   time.Now(),
			Source:      source,
		},
		Payload: raw,
	}
	out, err := json.Marshal(req)
	require.NoError(t, err)
	return out
}

type decodedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// lastPublished decodes the most recent outbound envelope on channelID,
// or any channel if channelID is empty.
func lastPublished(t *testing.T, tp *testutil.MockTransport, channelID transport.ChannelId) (transport.ChannelId, decodedEnvelope) {
	t.Helper()
	pubs := tp.GetPublished()
	for i := len(pubs) - 1; i >= 0; i-- {
		p := pubs[i]
		if channelID != "" && (len(p.ChannelIDs) == 0 || p.ChannelIDs[0] != channelID) {
			continue
		}
		var env decodedEnvelope
		require.NoError(t, json.Unmarshal(p.Payload, &env))
		return p.ChannelIDs[0], env
	}
	t.Fatalf("no published envelope found for channel %q", channelID)
	return "", decodedEnvelope{}
}

// connectAndValidate drives a full WCP1Hello/WCP3/WCP4/WCP5 handshake
// for a fresh proxy and returns its assigned InstanceId and dedicated
// channel.
func connectAndValidate(t *testing.T, c *Coordinator, tp *testutil.MockTransport, identityURL string) (bus.InstanceId, transport.ChannelId) {
	t.Helper()

	hello := marshalRequest(t, "WCP1Hello", bus.WCP1Hello{
		ConnectionAttemptUuid: bus.NewUUID(),
		FDC3Version:           "2.0",
		IdentityURL:           identityURL,
		ActualURL:             identityURL,
	})
	tp.Inject(transport.Inbound{ChannelId: "lobby", Payload: hello})
	waitDrain(t, c)

	newChannelID, env := lastPublished(t, tp, "")
	require.Equal(t, "WCP3Handshake", env.Type)

	v4 := marshalRequest(t, "WCP4ValidateAppIdentity", bus.WCP4ValidateAppIdentity{
		ConnectionAttemptUuid: bus.NewUUID(),
		IdentityURL:           identityURL,
		ActualURL:             identityURL,
	})
	tp.Inject(transport.Inbound{ChannelId: newChannelID, Payload: v4})
	waitDrain(t, c)

	_, env = lastPublished(t, tp, newChannelID)
	require.Equal(t, "WCP5ValidateAppIdentitySuccessResponse", env.Type)
	var success bus.WCP5ValidateAppIdentitySuccessResponse
	require.NoError(t, json.Unmarshal(env.Payload, &success))

	return success.InstanceId, newChannelID
}

func TestHandshakeAssignsInstanceIdentity(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)
	instance, _ := connectAndValidate(t, c, tp, "https://chat.example.com/")
	require.NotEmpty(t, instance)
}

func TestHandshakeRejectsUnknownIdentityURL(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)

	hello := marshalRequest(t, "WCP1Hello", bus.WCP1Hello{
		ConnectionAttemptUuid: bus.NewUUID(),
		FDC3Version:           "2.0",
		IdentityURL:           "https://ghost.example.com/",
		ActualURL:             "https://ghost.example.com/",
	})
	tp.Inject(transport.Inbound{ChannelId: "lobby", Payload: hello})
	waitDrain(t, c)
	newChannelID, _ := lastPublished(t, tp, "")

	v4 := marshalRequest(t, "WCP4ValidateAppIdentity", bus.WCP4ValidateAppIdentity{
		ConnectionAttemptUuid: bus.NewUUID(),
		IdentityURL:           "https://ghost.example.com/",
		ActualURL:             "https://ghost.example.com/",
	})
	tp.Inject(transport.Inbound{ChannelId: newChannelID, Payload: v4})
	waitDrain(t, c)

	_, env := lastPublished(t, tp, newChannelID)
	require.Equal(t, "WCP5ValidateAppIdentityFailedResponse", env.Type)
	require.Contains(t, tp.Closed, newChannelID)
}

// TestRaiseIntentDeferredUntilListenerRegistered exercises the literal
// scenario where the source raises an intent before the target has any
// listener: no RaiseIntentResponse may appear until the target
// registers one, and the IntentEvent always precedes it.
func TestRaiseIntentDeferredUntilListenerRegistered(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)

	sourceInstance, sourceChannel := connectAndValidate(t, c, tp, "https://notifier.example.com/")
	targetInstance, targetChannel := connectAndValidate(t, c, tp, "https://chat.example.com/")

	source := bus.FullyQualifiedAppIdentifier{AppId: "notifier@127.0.0.1", InstanceId: sourceInstance}
	_ = targetInstance

	before := len(tp.GetPublished())
	raise := marshalRequestFrom(t, "raiseIntentRequest", map[string]any{
		"intent":  "StartChat",
		"context": map[string]any{"type": "fdc3.contact"},
	}, source)
	tp.Inject(transport.Inbound{ChannelId: sourceChannel, Payload: raise})
	waitDrain(t, c)

	for _, p := range tp.GetPublished()[before:] {
		var env decodedEnvelope
		require.NoError(t, json.Unmarshal(p.Payload, &env))
		require.NotEqual(t, "raiseIntentResponse", env.Type, "RaiseIntentResponse must not be sent before a listener exists")
	}

	addListener := marshalRequest(t, "addIntentListenerRequest", map[string]any{"intent": "StartChat"})
	tp.Inject(transport.Inbound{ChannelId: targetChannel, Payload: addListener})
	waitDrain(t, c)

	pubs := tp.GetPublished()
	var intentEventIdx, responseIdx = -1, -1
	for i, p := range pubs {
		var env decodedEnvelope
		require.NoError(t, json.Unmarshal(p.Payload, &env))
		if env.Type == "IntentEvent" && p.ChannelIDs[0] == targetChannel {
			intentEventIdx = i
		}
		if env.Type == "raiseIntentResponse" && p.ChannelIDs[0] == sourceChannel {
			responseIdx = i
		}
	}
	require.GreaterOrEqual(t, intentEventIdx, 0, "IntentEvent must have been delivered to the target")
	require.GreaterOrEqual(t, responseIdx, 0, "raiseIntentResponse must have been delivered to the source")
	require.Less(t, intentEventIdx, responseIdx, "IntentEvent must precede RaiseIntentResponse for the same raise")
}

// TestRaiseIntentMalformedContextRespondsImmediately exercises the
// literal scenario where a malformed context fails validation before
// any resolution is attempted: the error response is immediate, unlike
// the deferred success path above.
func TestRaiseIntentMalformedContextRespondsImmediately(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)
	sourceInstance, sourceChannel := connectAndValidate(t, c, tp, "https://notifier.example.com/")
	source := bus.FullyQualifiedAppIdentifier{AppId: "notifier@127.0.0.1", InstanceId: sourceInstance}

	raise := marshalRequestFrom(t, "raiseIntentRequest", map[string]any{
		"intent":  "StartChat",
		"context": map[string]any{},
	}, source)
	tp.Inject(transport.Inbound{ChannelId: sourceChannel, Payload: raise})
	waitDrain(t, c)

	_, env := lastPublished(t, tp, sourceChannel)
	require.Equal(t, "raiseIntentResponse", env.Type)
	var errPayload bus.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	require.Equal(t, string(bus.ErrMalformedContext), errPayload.Error)
}

func TestFindInstancesUnknownAppReportsNoAppsFound(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)
	instance, channelID := connectAndValidate(t, c, tp, "https://chat.example.com/")
	_ = instance

	req := marshalRequest(t, "findInstancesRequest", map[string]any{
		"app": map[string]any{"appId": "ghost@127.0.0.1"},
	})
	tp.Inject(transport.Inbound{ChannelId: channelID, Payload: req})
	waitDrain(t, c)

	_, env := lastPublished(t, tp, channelID)
	require.Equal(t, "findInstancesResponse", env.Type)
	var errPayload bus.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	require.Equal(t, string(bus.ErrNoAppsFound), errPayload.Error)
}

// TestOpenRequestLaunchesAndDeliversContext exercises onOpenRequest's
// happy path: a strategy launches the target, the target completes its
// own handshake using the connectionAttemptUuid the root pre-allocated,
// and the root broadcasts the open's context to it before answering
// openResponse.
func TestOpenRequestLaunchesAndDeliversContext(t *testing.T) {
	c, tp := newTestCoordinator(t, chatAppsBody)
	sourceInstance, sourceChannel := connectAndValidate(t, c, tp, "https://notifier.example.com/")
	source := bus.FullyQualifiedAppIdentifier{AppId: "notifier@127.0.0.1", InstanceId: sourceInstance}

	openReq := marshalRequestFrom(t, "openRequest", map[string]any{
		"app":     map[string]any{"appId": "chat@127.0.0.1"},
		"context": map[string]any{"type": "fdc3.contact"},
	}, source)
	tp.Inject(transport.Inbound{ChannelId: sourceChannel, Payload: openReq})
	waitDrain(t, c)

	require.Len(t, c.pendingOpens, 1)
	var connectionAttemptUUID string
	var pendingInstanceID bus.InstanceId
	for uuid, p := range c.pendingOpens {
		connectionAttemptUUID = uuid
		pendingInstanceID = p.instanceID
	}
	require.NotEmpty(t, connectionAttemptUUID)

	hello := marshalRequest(t, "WCP1Hello", bus.WCP1Hello{
		ConnectionAttemptUuid: bus.NewUUID(),
		FDC3Version:           "2.0",
		IdentityURL:           "https://chat.example.com/",
		ActualURL:             "https://chat.example.com/",
	})
	tp.Inject(transport.Inbound{ChannelId: "lobby", Payload: hello})
	waitDrain(t, c)
	newChannelID, _ := lastPublished(t, tp, "")

	v4 := marshalRequest(t, "WCP4ValidateAppIdentity", bus.WCP4ValidateAppIdentity{
		ConnectionAttemptUuid: connectionAttemptUUID,
		IdentityURL:           "https://chat.example.com/",
		ActualURL:             "https://chat.example.com/",
	})
	tp.Inject(transport.Inbound{ChannelId: newChannelID, Payload: v4})
	waitDrain(t, c)

	_, env := lastPublished(t, tp, newChannelID)
	require.Equal(t, "WCP5ValidateAppIdentitySuccessResponse", env.Type)
	var success bus.WCP5ValidateAppIdentitySuccessResponse
	require.NoError(t, json.Unmarshal(env.Payload, &success))
	require.Equal(t, pendingInstanceID, success.InstanceId)

	// The orchestrator's context handoff await only resolves once the
	// newly launched instance joins a channel and registers a listener
	// for the open's context type.
	joinReq := marshalRequest(t, "joinUserChannelRequest", map[string]any{"channelId": "fdc3.channel.1"})
	tp.Inject(transport.Inbound{ChannelId: newChannelID, Payload: joinReq})
	waitDrain(t, c)

	listenerReq := marshalRequest(t, "addContextListenerRequest", map[string]any{"contextType": "fdc3.contact"})
	tp.Inject(transport.Inbound{ChannelId: newChannelID, Payload: listenerReq})
	waitDrain(t, c)

	pubs := tp.GetPublished()
	var broadcastIdx, openRespIdx = -1, -1
	for i, p := range pubs {
		var e decodedEnvelope
		require.NoError(t, json.Unmarshal(p.Payload, &e))
		if e.Type == "BroadcastEvent" && p.ChannelIDs[0] == newChannelID {
			broadcastIdx = i
		}
		if e.Type == "openResponse" && p.ChannelIDs[0] == sourceChannel {
			openRespIdx = i
		}
	}
	require.GreaterOrEqual(t, broadcastIdx, 0, "context must be broadcast to the newly opened instance")
	require.GreaterOrEqual(t, openRespIdx, 0, "openResponse must eventually reach the source")
}
