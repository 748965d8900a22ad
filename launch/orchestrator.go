// Package launch implements the open/launch orchestrator (spec section
// 4.F): onOpenRequest's strategy iteration, the built-in web-URL
// fallback strategy, and the bounded identity-validation and
// context-listener awaits that follow a successful launch.
//
// Grounded on coreengine/kernel/services.go's Dispatch timeout-via-
// context.WithTimeout structure, adapted from retry-dispatch to
// single-attempt-with-timeout since spec section 4.F does not specify
// strategy retries. Like the rest of the core, Orchestrator carries no
// internal locking: every method runs only on the root's single
// dispatch goroutine, and its awaits are realized as continuations
// registered with the caller rather than as blocking calls.
package launch

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/directory"
	"github.com/paulgoldsmith/fdc3-web-sub000/typeutil"
)

// Strategy is one pluggable way of actually starting an application,
// the Go analogue of spec section 4.F's IOpenApplicationStrategy.
// Implementations report whether they handled record at all; canLaunch
// false lets the orchestrator fall through to the next strategy.
// connectionAttemptUUID is the root's pre-allocated correlation id for
// this open (spec section 4.F step 5); a strategy that launches
// anything capable of its own WCP1Hello handshake must hand this id to
// it so the eventual WCP1Hello/WCP4ValidateAppIdentity can be matched
// back to this particular open rather than minting a fresh identity.
type Strategy interface {
	CanLaunch(record *directory.AppRecord) bool
	Launch(ctx context.Context, record *directory.AppRecord, connectionAttemptUUID string) error
}

// WebURLStrategy is the built-in fallback: it can launch any record
// whose Details carries a non-empty "url", per spec section 4.F. The
// connectionAttemptUuid is appended as a query parameter so the opened
// page's own WCP1Hello can echo it back.
type WebURLStrategy struct {
	// Open is how the strategy actually opens the URL (e.g. writing a
	// WCP1Hello-able iframe/window reference on the host page). Tests
	// substitute a recording stub.
	Open func(url string) error
}

func (WebURLStrategy) CanLaunch(record *directory.AppRecord) bool {
	if record == nil {
		return false
	}
	url, ok := typeutil.SafeString(record.Details["url"])
	return ok && url != ""
}

func (s WebURLStrategy) Launch(_ context.Context, record *directory.AppRecord, connectionAttemptUUID string) error {
	raw := typeutil.SafeStringDefault(record.Details["url"], "")
	if s.Open == nil {
		return nil
	}
	return s.Open(withConnectionAttempt(raw, connectionAttemptUUID))
}

func withConnectionAttempt(rawURL, connectionAttemptUUID string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("connectionAttemptUuid", connectionAttemptUUID)
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrNoStrategyHandled is returned when no configured strategy can
// launch the record (spec section 6's ErrorOnLaunch).
var ErrNoStrategyHandled = errors.New(string(bus.ErrErrorOnLaunch))

// ErrAppTimeout is returned when a bounded await (identity validation or
// context-listener registration) expires.
var ErrAppTimeout = errors.New(string(bus.ErrAppTimeout))

// Awaiter lets the orchestrator register a continuation that fires once
// some later event happens (identity validated, context listener
// registered) or a deadline passes — the single-threaded realization of
// an "await" described in spec section 5.
type Awaiter interface {
	// AwaitIdentityValidated registers fn to run once instance completes
	// the WCP4/WCP5 identity-validation handshake, or once timeout
	// elapses, whichever comes first. ok is false on timeout.
	AwaitIdentityValidated(instance bus.InstanceId, timeout time.Duration, fn func(ok bool))
	// AwaitContextListener registers fn to run once instance registers a
	// context listener for ctxType (or any type if ctxType is empty), or
	// once timeout elapses.
	AwaitContextListener(instance bus.InstanceId, ctxType string, timeout time.Duration, fn func(ok bool))
}

// Config carries the two default timeouts spec section 2 names.
type Config struct {
	IdentityValidationTimeout time.Duration
	ContextHandoffTimeout     time.Duration
}

// DefaultConfig mirrors config.RootConfig's 15s defaults.
func DefaultConfig() Config {
	return Config{
		IdentityValidationTimeout: 15 * time.Second,
		ContextHandoffTimeout:     15 * time.Second,
	}
}

// Orchestrator implements onOpenRequest.
type Orchestrator struct {
	strategies []Strategy
	awaiter    Awaiter
	cfg        Config
}

// New constructs an Orchestrator trying strategies in the order given.
// It adds no fallback of its own; root.New appends WebURLStrategy last.
func New(awaiter Awaiter, cfg Config, strategies ...Strategy) *Orchestrator {
	return &Orchestrator{strategies: strategies, awaiter: awaiter, cfg: cfg}
}

// Result is delivered to the onOpenRequest caller once the launch
// either completes the context handoff, times out, or fails outright.
type Result struct {
	Target bus.FullyQualifiedAppIdentifier
	Err    error
}

// OnOpenRequest implements spec section 4.F: iterate strategies until
// one reports CanLaunch, invoke it, then await identity validation and
// (if context is non-nil) a matching context listener before invoking
// done. All three outcomes funnel through done exactly once.
// connectionAttemptUUID is the caller's pre-allocated correlation id
// for target's eventual handshake (spec section 4.F step 5).
func (o *Orchestrator) OnOpenRequest(ctx context.Context, target bus.FullyQualifiedAppIdentifier, record *directory.AppRecord, launchContext *bus.Context, connectionAttemptUUID string, done func(Result)) {
	var chosen Strategy
	for _, s := range o.strategies {
		if s.CanLaunch(record) {
			chosen = s
			break
		}
	}
	if chosen == nil {
		done(Result{Target: target, Err: ErrNoStrategyHandled})
		return
	}
	if err := chosen.Launch(ctx, record, connectionAttemptUUID); err != nil {
		done(Result{Target: target, Err: err})
		return
	}

	o.awaiter.AwaitIdentityValidated(target.InstanceId, o.cfg.IdentityValidationTimeout, func(ok bool) {
		if !ok {
			done(Result{Target: target, Err: ErrAppTimeout})
			return
		}
		if launchContext == nil {
			done(Result{Target: target})
			return
		}
		o.awaiter.AwaitContextListener(target.InstanceId, launchContext.Type, o.cfg.ContextHandoffTimeout, func(ok bool) {
			if !ok {
				done(Result{Target: target, Err: ErrAppTimeout})
				return
			}
			done(Result{Target: target})
		})
	})
}
