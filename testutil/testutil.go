// Package testutil provides shared test doubles for the root coordinator
// packages: a mock transport, a mock directory resolver, a mock open
// strategy, a mock logger, and an httptest-backed directory server.
//
// Grounded on coreengine/testutil/testutil.go's builder-mock convention
// (exported fields, WithX fluent setters, a mutex guarding concurrent
// access, a CallCount/Calls pair for assertion) — unlike the production
// packages in this module, these mocks are deliberately safe for
// concurrent use since httptest servers and transport goroutines call
// into them off the single dispatch goroutine.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

// MockTransport implements transport.Transport for tests that need to
// observe outbound publishes without a real network boundary.
type MockTransport struct {
	Published []PublishCall
	Closed    []transport.ChannelId
	NextConn  int
	subs      []func(transport.Inbound)

	mu sync.Mutex
}

// PublishCall records one Publish invocation for assertion.
type PublishCall struct {
	ChannelIDs []transport.ChannelId
	Payload    []byte
}

// NewMockTransport creates an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Publish implements transport.Transport.
func (m *MockTransport) Publish(_ context.Context, channelIDs []transport.ChannelId, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, PublishCall{ChannelIDs: channelIDs, Payload: payload})
	return nil
}

// Subscribe implements transport.Transport.
func (m *MockTransport) Subscribe(fn func(transport.Inbound)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.subs)
	m.subs = append(m.subs, fn)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[idx] = nil
	}
}

// Connect implements transport.Transport, allocating sequential ids.
func (m *MockTransport) Connect() transport.ChannelId {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NextConn++
	return transport.ChannelId(fmt.Sprintf("mock-%d", m.NextConn))
}

// Close implements transport.Transport.
func (m *MockTransport) Close(id transport.ChannelId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = append(m.Closed, id)
	return nil
}

// Inject delivers an inbound message to every active subscriber, as if
// it had arrived from a real proxy.
func (m *MockTransport) Inject(in transport.Inbound) {
	m.mu.Lock()
	subs := make([]func(transport.Inbound), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(in)
		}
	}
}

// GetPublished returns a copy of recorded publishes (thread-safe).
func (m *MockTransport) GetPublished() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishCall, len(m.Published))
	copy(out, m.Published)
	return out
}

// MockResolver implements directory.Resolver, returning scripted
// results instead of prompting a real resolver UI.
type MockResolver struct {
	IntentResult bus.FullyQualifiedAppIdentifier
	IntentError  error

	ContextResult    directory.AppIntent
	ContextTarget    bus.FullyQualifiedAppIdentifier
	ContextError     error

	IntentCalls  []string
	ContextCalls []string

	mu sync.Mutex
}

// NewMockResolver creates a MockResolver that returns zero-valued
// results with a nil error until configured otherwise.
func NewMockResolver() *MockResolver {
	return &MockResolver{}
}

// WithIntentResult configures ResolveForIntent's return value.
func (m *MockResolver) WithIntentResult(target bus.FullyQualifiedAppIdentifier) *MockResolver {
	m.IntentResult = target
	return m
}

// WithIntentError configures ResolveForIntent to fail.
func (m *MockResolver) WithIntentError(err error) *MockResolver {
	m.IntentError = err
	return m
}

// ResolveForIntent implements directory.Resolver.
func (m *MockResolver) ResolveForIntent(_ context.Context, intent string, _ []bus.FullyQualifiedAppIdentifier) (bus.FullyQualifiedAppIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IntentCalls = append(m.IntentCalls, intent)
	return m.IntentResult, m.IntentError
}

// ResolveForContext implements directory.Resolver.
func (m *MockResolver) ResolveForContext(_ context.Context, context bus.Context, _ []directory.AppIntent) (directory.AppIntent, bus.FullyQualifiedAppIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContextCalls = append(m.ContextCalls, context.Type)
	return m.ContextResult, m.ContextTarget, m.ContextError
}

// MockOpenStrategy implements launch.Strategy, recording every launch
// attempt instead of actually starting an application.
type MockOpenStrategy struct {
	Handles bool
	Err     error

	Launched               []string
	ConnectionAttemptUUIDs []string

	mu sync.Mutex
}

// NewMockOpenStrategy creates a MockOpenStrategy that handles every
// record by default.
func NewMockOpenStrategy() *MockOpenStrategy {
	return &MockOpenStrategy{Handles: true}
}

// CanLaunch implements launch.Strategy.
func (m *MockOpenStrategy) CanLaunch(*directory.AppRecord) bool {
	return m.Handles
}

// Launch implements launch.Strategy.
func (m *MockOpenStrategy) Launch(_ context.Context, record *directory.AppRecord, connectionAttemptUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record != nil {
		m.Launched = append(m.Launched, string(record.AppId))
	}
	m.ConnectionAttemptUUIDs = append(m.ConnectionAttemptUUIDs, connectionAttemptUUID)
	return m.Err
}

// WithError configures Launch to fail.
func (m *MockOpenStrategy) WithError(err error) *MockOpenStrategy {
	m.Err = err
	return m
}

// MockLogger implements directory.Logger (and the equivalent small
// logging interfaces in other packages), capturing entries for
// assertion instead of writing them anywhere.
type MockLogger struct {
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	KV      []any
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, kv ...any) { m.log("debug", msg, kv...) }
func (m *MockLogger) Info(msg string, kv ...any)  { m.log("info", msg, kv...) }
func (m *MockLogger) Warn(msg string, kv ...any)  { m.log("warn", msg, kv...) }
func (m *MockLogger) Error(msg string, kv ...any) { m.log("error", msg, kv...) }

func (m *MockLogger) log(level, msg string, kv ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, KV: kv})
}

// HasLog reports whether a log entry at level with message exists.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.Logs {
		if l.Level == level && l.Message == message {
			return true
		}
	}
	return false
}

// NewDirectoryServer starts an httptest.Server serving body (a raw
// /v2/apps JSON response) for every request. The server's URL field is
// the base URL for directory.New.
func NewDirectoryServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}
