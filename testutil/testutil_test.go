package testutil

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

func TestMockTransportRecordsPublishAndInject(t *testing.T) {
	mt := NewMockTransport()
	var got transport.Inbound
	unsub := mt.Subscribe(func(in transport.Inbound) { got = in })

	require.NoError(t, mt.Publish(context.Background(), []transport.ChannelId{"a"}, []byte("hi")))
	require.Len(t, mt.GetPublished(), 1)

	mt.Inject(transport.Inbound{ChannelId: "a", Payload: []byte("pong")})
	require.Equal(t, []byte("pong"), got.Payload)

	unsub()
	mt.Inject(transport.Inbound{ChannelId: "a", Payload: []byte("ignored")})
	require.Equal(t, []byte("pong"), got.Payload)
}

func TestMockResolverReturnsConfiguredResult(t *testing.T) {
	target := bus.FullyQualifiedAppIdentifier{AppId: "chat@dir", InstanceId: "1"}
	r := NewMockResolver().WithIntentResult(target)

	resolved, err := r.ResolveForIntent(context.Background(), "StartChat", nil)
	require.NoError(t, err)
	require.Equal(t, target, resolved)
	require.Equal(t, []string{"StartChat"}, r.IntentCalls)
}

func TestMockOpenStrategyRecordsLaunches(t *testing.T) {
	s := NewMockOpenStrategy()
	record := &directory.AppRecord{AppId: "chat@dir"}
	require.True(t, s.CanLaunch(record))
	require.NoError(t, s.Launch(context.Background(), record, "conn-1"))
	require.Equal(t, []string{"chat@dir"}, s.Launched)
	require.Equal(t, []string{"conn-1"}, s.ConnectionAttemptUUIDs)
}

func TestMockLoggerCapturesEntries(t *testing.T) {
	l := NewMockLogger()
	l.Warn("directory: load failed", "url", "https://x")
	require.True(t, l.HasLog("warn", "directory: load failed"))
	require.False(t, l.HasLog("error", "directory: load failed"))
}

func TestNewDirectoryServerServesBody(t *testing.T) {
	srv := NewDirectoryServer(`{"message":"OK","applications":[]}`)
	defer srv.Close()
	require.NotEmpty(t, srv.URL)

	resp, err := http.Get(srv.URL + "/v2/apps")
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, `{"message":"OK","applications":[]}`, string(got))
}
