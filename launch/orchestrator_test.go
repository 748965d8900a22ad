package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
)

// fakeAwaiter resolves every await synchronously according to the
// scripted outcomes, so tests never need a real clock.
type fakeAwaiter struct {
	identityOK bool
	contextOK  bool
}

func (f *fakeAwaiter) AwaitIdentityValidated(_ bus.InstanceId, _ time.Duration, fn func(ok bool)) {
	fn(f.identityOK)
}

func (f *fakeAwaiter) AwaitContextListener(_ bus.InstanceId, _ string, _ time.Duration, fn func(ok bool)) {
	fn(f.contextOK)
}

func target() bus.FullyQualifiedAppIdentifier {
	return bus.FullyQualifiedAppIdentifier{AppId: "chat@dir", InstanceId: "1"}
}

func TestOnOpenRequestNoStrategyHandles(t *testing.T) {
	o := New(&fakeAwaiter{}, DefaultConfig())

	var result Result
	o.OnOpenRequest(context.Background(), target(), &directory.AppRecord{}, nil, "conn-1", func(r Result) { result = r })

	require.ErrorIs(t, result.Err, ErrNoStrategyHandled)
}

func TestOnOpenRequestWebURLStrategySucceedsWithoutContext(t *testing.T) {
	var opened string
	strategy := WebURLStrategy{Open: func(url string) error { opened = url; return nil }}
	o := New(&fakeAwaiter{identityOK: true}, DefaultConfig(), strategy)

	record := &directory.AppRecord{Details: map[string]any{"url": "https://chat.example.com/"}}
	var result Result
	o.OnOpenRequest(context.Background(), target(), record, nil, "conn-1", func(r Result) { result = r })

	require.NoError(t, result.Err)
	require.Equal(t, "https://chat.example.com/?connectionAttemptUuid=conn-1", opened)
}

func TestOnOpenRequestIdentityTimeoutFails(t *testing.T) {
	strategy := WebURLStrategy{Open: func(string) error { return nil }}
	o := New(&fakeAwaiter{identityOK: false}, DefaultConfig(), strategy)

	record := &directory.AppRecord{Details: map[string]any{"url": "https://chat.example.com/"}}
	var result Result
	o.OnOpenRequest(context.Background(), target(), record, nil, "conn-1", func(r Result) { result = r })

	require.ErrorIs(t, result.Err, ErrAppTimeout)
}

func TestOnOpenRequestAwaitsContextListenerWhenContextProvided(t *testing.T) {
	strategy := WebURLStrategy{Open: func(string) error { return nil }}
	o := New(&fakeAwaiter{identityOK: true, contextOK: true}, DefaultConfig(), strategy)

	record := &directory.AppRecord{Details: map[string]any{"url": "https://chat.example.com/"}}
	launchContext := &bus.Context{Type: "fdc3.contact"}
	var result Result
	o.OnOpenRequest(context.Background(), target(), record, launchContext, "conn-1", func(r Result) { result = r })

	require.NoError(t, result.Err)
}

func TestOnOpenRequestContextListenerTimeoutFails(t *testing.T) {
	strategy := WebURLStrategy{Open: func(string) error { return nil }}
	o := New(&fakeAwaiter{identityOK: true, contextOK: false}, DefaultConfig(), strategy)

	record := &directory.AppRecord{Details: map[string]any{"url": "https://chat.example.com/"}}
	launchContext := &bus.Context{Type: "fdc3.contact"}
	var result Result
	o.OnOpenRequest(context.Background(), target(), record, launchContext, "conn-1", func(r Result) { result = r })

	require.ErrorIs(t, result.Err, ErrAppTimeout)
}
