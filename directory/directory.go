// Package directory implements the app directory and resolution engine
// (spec section 4.C): a static catalog loaded from zero or more
// directory URLs, a dynamic per-instance intent/context registry, and
// the resolution algorithm raiseIntent and onOpenRequest depend on.
//
// Like the rest of the core, Directory carries no internal locking: all
// of its methods are called only from the root's single dispatch
// goroutine (the concurrency model in spec section 5).
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/observability"
	"github.com/paulgoldsmith/fdc3-web-sub000/typeutil"
)

// UnknownHost is the sentinel directory host used to auto-qualify
// unqualified appIds when zero directory URLs are configured, per spec
// section 4.C, enabling listener-only scenarios without a directory.
const UnknownHost = "unknown-app-directory"

// AppType is one of the launch-detail kinds spec section 3 names.
type AppType string

const (
	AppTypeWeb          AppType = "web"
	AppTypeNative       AppType = "native"
	AppTypeCitrix       AppType = "citrix"
	AppTypeOnlineNative AppType = "onlineNative"
	AppTypeOther        AppType = "other"
)

// AppIntentDecl is one static intent declaration on an AppRecord.
type AppIntentDecl struct {
	Contexts   []string `json:"contexts"`
	ResultType string   `json:"resultType,omitempty"`
}

// AppRecord holds an application's launch details and optional static
// intent declarations, as fetched from a directory's /v2/apps endpoint.
type AppRecord struct {
	AppId       bus.AppId                `json:"appId"`
	Name        string                   `json:"name"`
	Type        AppType                  `json:"type"`
	Details     map[string]any           `json:"details,omitempty"`
	Intents     map[string]AppIntentDecl `json:"intents,omitempty"`
}

// entry is the directory-entry data model from spec section 3: an
// optional static record plus the set of live instances of that app.
type entry struct {
	application *AppRecord
	instances   map[bus.InstanceId]struct{}
}

// dynamicRegistration is one (intent, contexts) pair a live instance has
// registered a handler for.
type dynamicRegistration struct {
	intent   string
	contexts []bus.Context
}

// AppIntent is one app's ability to handle an intent, as returned by
// getAppIntent / getAppIntentsForContext.
type AppIntent struct {
	Intent string      `json:"intent"`
	Apps   []AppRecord `json:"apps"`
}

// Resolver is the out-of-scope "resolver UI" collaborator (spec section
// 1): when a candidate set is ambiguous, it picks one or rejects.
type Resolver interface {
	ResolveForIntent(ctx context.Context, intent string, candidates []bus.FullyQualifiedAppIdentifier) (bus.FullyQualifiedAppIdentifier, error)
	ResolveForContext(ctx context.Context, context bus.Context, candidates []AppIntent) (AppIntent, bus.FullyQualifiedAppIdentifier, error)
}

// Logger is the minimal logging surface Directory needs.
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

// HTTPDoer is the subset of *http.Client Directory needs, so tests can
// substitute a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Directory is the app directory and resolution engine.
type Directory struct {
	urls     []string
	client   HTTPDoer
	logger   Logger
	resolver Resolver

	catalog        map[bus.AppId]*entry
	dynamicByApp   map[bus.InstanceId]bus.AppId
	dynamicRegs    map[bus.InstanceId][]dynamicRegistration

	loaded chan struct{}
}

// New constructs a Directory that will fetch every URL in urls at
// Load time. A nil client defaults to http.DefaultClient; a nil
// resolver means ambiguous resolutions always fail with NoAppsFound
// rather than prompting a UI.
func New(urls []string, client HTTPDoer, resolver Resolver, logger Logger) *Directory {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Directory{
		urls:         urls,
		client:       client,
		logger:       logger,
		resolver:     resolver,
		catalog:      make(map[bus.AppId]*entry),
		dynamicByApp: make(map[bus.InstanceId]bus.AppId),
		dynamicRegs:  make(map[bus.InstanceId][]dynamicRegistration),
		loaded:       make(chan struct{}),
	}
}

// appsResponse is the /v2/apps wire format (spec section 6): any
// message other than "OK" is treated as an empty application list.
type appsResponse struct {
	Message      string      `json:"message"`
	Applications []AppRecord `json:"applications"`
}

// Load fetches every configured directory URL, tags each appId with
// "@<hostname>", and stores the result. Public operations should not be
// called concurrently with Load; the root calls this once at startup
// before any proxy can complete a handshake.
func (d *Directory) Load(ctx context.Context) error {
	for _, u := range d.urls {
		if err := d.loadOne(ctx, u); err != nil {
			d.logger.Warn("directory: load failed", "url", u, "error", err)
			observability.RecordDirectoryLoad("error")
			continue
		}
		observability.RecordDirectoryLoad("success")
	}
	close(d.loaded)
	return nil
}

// Refresh re-fetches every configured directory URL and atomically
// replaces the static catalog, leaving live instance registrations
// untouched. Supplemental to the distilled spec (SPEC_FULL.md section 5).
func (d *Directory) Refresh(ctx context.Context) error {
	fresh := make(map[bus.AppId]*entry, len(d.catalog))
	for appID, e := range d.catalog {
		fresh[appID] = &entry{instances: e.instances}
	}
	old := d.catalog
	d.catalog = fresh
	for _, u := range d.urls {
		if err := d.loadOne(ctx, u); err != nil {
			d.logger.Warn("directory: refresh failed", "url", u, "error", err)
			observability.RecordDirectoryLoad("error")
			d.catalog = old
			return err
		}
		observability.RecordDirectoryLoad("success")
	}
	return nil
}

func (d *Directory) loadOne(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(rawURL, "/")+"/v2/apps", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed appsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}
	if parsed.Message != "OK" {
		return nil
	}
	for i := range parsed.Applications {
		app := parsed.Applications[i]
		qualified := bus.AppId(string(app.AppId) + "@" + host)
		app.AppId = qualified
		d.getOrCreateEntry(qualified).application = &app
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

func (d *Directory) getOrCreateEntry(appID bus.AppId) *entry {
	e, ok := d.catalog[appID]
	if !ok {
		e = &entry{instances: make(map[bus.InstanceId]struct{})}
		d.catalog[appID] = e
	}
	return e
}

// awaitLoad blocks the calling goroutine until Load has completed. Since
// Load runs before the dispatch loop starts processing proxy traffic,
// every public operation below calls this defensively; in steady state
// it returns immediately.
func (d *Directory) awaitLoad() {
	<-d.loaded
}

// qualify auto-qualifies an unqualified appId with UnknownHost when zero
// directory URLs are configured (spec section 4.C).
func (d *Directory) qualify(appID bus.AppId) bus.AppId {
	if strings.Contains(string(appID), "@") {
		return appID
	}
	if len(d.urls) == 0 {
		return bus.AppId(string(appID) + "@" + UnknownHost)
	}
	return appID
}

// GetAppMetadata returns the AppRecord for identifier.AppId, if any.
func (d *Directory) GetAppMetadata(identifier bus.FullyQualifiedAppIdentifier) (*AppRecord, bool) {
	d.awaitLoad()
	e, ok := d.catalog[d.qualify(identifier.AppId)]
	if !ok || e.application == nil {
		return nil, false
	}
	return e.application, true
}

// GetAppInstances returns every live instance of appID.
func (d *Directory) GetAppInstances(appID bus.AppId) ([]bus.FullyQualifiedAppIdentifier, bool) {
	d.awaitLoad()
	e, ok := d.catalog[d.qualify(appID)]
	if !ok {
		return nil, false
	}
	out := make([]bus.FullyQualifiedAppIdentifier, 0, len(e.instances))
	for id := range e.instances {
		out = append(out, bus.FullyQualifiedAppIdentifier{AppId: d.qualify(appID), InstanceId: id})
	}
	return out, true
}

// GetAppIntent returns the apps (deduped) that declare intent with a
// matching context/resultType, from both the static catalog and live
// dynamic registrations.
func (d *Directory) GetAppIntent(intent string, ctxType string, resultType string) AppIntent {
	d.awaitLoad()
	seen := make(map[bus.AppId]struct{})
	result := AppIntent{Intent: intent}

	for appID, e := range d.catalog {
		if e.application == nil {
			continue
		}
		if decl, ok := e.application.Intents[intent]; ok && declMatches(decl, ctxType, resultType) {
			if _, dup := seen[appID]; !dup {
				seen[appID] = struct{}{}
				result.Apps = append(result.Apps, *e.application)
			}
		}
	}
	for instID, regs := range d.dynamicRegs {
		appID := d.dynamicByApp[instID]
		for _, reg := range regs {
			if reg.intent != intent {
				continue
			}
			if ctxType != "" && !hasContextType(reg.contexts, ctxType) {
				continue
			}
			if _, dup := seen[appID]; dup {
				continue
			}
			seen[appID] = struct{}{}
			if e, ok := d.catalog[appID]; ok && e.application != nil {
				result.Apps = append(result.Apps, *e.application)
			}
		}
	}
	return result
}

func declMatches(decl AppIntentDecl, ctxType, resultType string) bool {
	if ctxType != "" {
		found := false
		for _, c := range decl.Contexts {
			if c == ctxType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if resultType == "" {
		return true
	}
	if strings.Contains(resultType, "channel") {
		return strings.Contains(decl.ResultType, resultType)
	}
	return decl.ResultType == resultType
}

func hasContextType(contexts []bus.Context, t string) bool {
	for _, c := range contexts {
		if c.Type == t {
			return true
		}
	}
	return false
}

// GetAppIntentsForContext returns every (intent -> apps) pairing that
// can handle context.Type, each intent appearing once globally even if
// multiple apps resolve to it and vice versa (spec section 4.C's
// duplicate-elimination rule).
func (d *Directory) GetAppIntentsForContext(ctxType string, resultType string) []AppIntent {
	d.awaitLoad()
	byIntent := make(map[string]*AppIntent)
	order := make([]string, 0)

	addApp := func(intent string, app AppRecord) {
		ai, ok := byIntent[intent]
		if !ok {
			ai = &AppIntent{Intent: intent}
			byIntent[intent] = ai
			order = append(order, intent)
		}
		for _, existing := range ai.Apps {
			if existing.AppId == app.AppId {
				return
			}
		}
		ai.Apps = append(ai.Apps, app)
	}

	for _, e := range d.catalog {
		if e.application == nil {
			continue
		}
		for intent, decl := range e.application.Intents {
			if declMatches(decl, ctxType, resultType) {
				addApp(intent, *e.application)
			}
		}
	}
	for instID, regs := range d.dynamicRegs {
		appID := d.dynamicByApp[instID]
		e, ok := d.catalog[appID]
		if !ok || e.application == nil {
			continue
		}
		for _, reg := range regs {
			if ctxType != "" && !hasContextType(reg.contexts, ctxType) {
				continue
			}
			addApp(reg.intent, *e.application)
		}
	}

	result := make([]AppIntent, 0, len(order))
	for _, intent := range order {
		result = append(result, *byIntent[intent])
	}
	return result
}

// GetContextForAppIntent returns the declared contexts for an app's
// static intent declaration.
func (d *Directory) GetContextForAppIntent(identifier bus.FullyQualifiedAppIdentifier, intent string) ([]string, bool) {
	d.awaitLoad()
	e, ok := d.catalog[d.qualify(identifier.AppId)]
	if !ok || e.application == nil {
		return nil, false
	}
	decl, ok := e.application.Intents[intent]
	if !ok {
		return nil, false
	}
	return decl.Contexts, true
}

// ErrTargetAppUnavailable and ErrTargetInstanceUnavailable are the two
// failure modes of RegisterIntentListener (spec section 4.C).
var (
	ErrTargetAppUnavailable      = errors.New(string(bus.ErrTargetAppUnavailable))
	ErrTargetInstanceUnavailable = errors.New(string(bus.ErrTargetInstanceUnavail))
)

// RegisterIntentListener records that instance has a live handler for
// intent accepting contexts. The instance must already be registered
// (via RegisterNewInstance) against a known app.
func (d *Directory) RegisterIntentListener(instance bus.InstanceId, intent string, contexts []bus.Context) error {
	d.awaitLoad()
	appID, ok := d.dynamicByApp[instance]
	if !ok {
		return ErrTargetInstanceUnavailable
	}
	if _, ok := d.catalog[appID]; !ok {
		return ErrTargetAppUnavailable
	}
	d.dynamicRegs[instance] = append(d.dynamicRegs[instance], dynamicRegistration{intent: intent, contexts: contexts})
	return nil
}

// HasIntentListener reports whether instance has already registered a
// handler for intent — used by the intent engine to decide whether a
// raise can dispatch immediately or must await registration.
func (d *Directory) HasIntentListener(instance bus.InstanceId, intent string) bool {
	for _, reg := range d.dynamicRegs[instance] {
		if reg.intent == intent {
			return true
		}
	}
	return false
}

// ErrAppNotFound is returned by RegisterNewInstance when identityURL
// does not resolve to any directory entry.
var ErrAppNotFound = errors.New(string(bus.ErrAppNotFound))

// ResolveIdentityURL matches identityURL against every static app's
// declared identity URL ({protocol, host, port, pathname}, spec section
// 4.A/9's open question: query-string policy is unspecified, so it is
// ignored), without registering any instance. Used by both
// RegisterNewInstance and the WCP4 handshake's reconnect path, which
// needs to resolve the appId before deciding which InstanceId to bind.
func (d *Directory) ResolveIdentityURL(identityURL string) (bus.AppId, *AppRecord, error) {
	d.awaitLoad()
	target, err := normalizeIdentityURL(identityURL)
	if err != nil {
		return "", nil, ErrAppNotFound
	}
	for appID, e := range d.catalog {
		if e.application == nil {
			continue
		}
		declared, ok := typeutil.SafeString(e.application.Details["identityUrl"])
		if !ok {
			continue
		}
		norm, err := normalizeIdentityURL(declared)
		if err != nil || norm != target {
			continue
		}
		return appID, e.application, nil
	}
	return "", nil, ErrAppNotFound
}

// RegisterNewInstance resolves identityURL against the directory and
// allocates a fresh InstanceId for the match, or ErrAppNotFound.
func (d *Directory) RegisterNewInstance(identityURL string) (bus.FullyQualifiedAppIdentifier, *AppRecord, error) {
	appID, record, err := d.ResolveIdentityURL(identityURL)
	if err != nil {
		return bus.FullyQualifiedAppIdentifier{}, nil, err
	}
	instanceID := bus.InstanceId(uuid.NewString())
	if err := d.RegisterExistingInstance(appID, instanceID); err != nil {
		return bus.FullyQualifiedAppIdentifier{}, nil, err
	}
	return bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: instanceID}, record, nil
}

// RegisterExistingInstance attaches instanceID (supplied by a
// reconnecting proxy) to appID without allocating a fresh InstanceId.
func (d *Directory) RegisterExistingInstance(appID bus.AppId, instanceID bus.InstanceId) error {
	d.awaitLoad()
	e, ok := d.catalog[d.qualify(appID)]
	if !ok {
		return ErrAppNotFound
	}
	e.instances[instanceID] = struct{}{}
	d.dynamicByApp[instanceID] = d.qualify(appID)
	return nil
}

// ResolveAppInstanceForIntent implements spec section 4.C's three-step
// resolution algorithm.
func (d *Directory) ResolveAppInstanceForIntent(ctx context.Context, intent string, ctxType string, preferred *bus.FullyQualifiedAppIdentifier) (bus.FullyQualifiedAppIdentifier, error) {
	d.awaitLoad()

	if preferred != nil && !preferred.IsZero() {
		appID := d.qualify(preferred.AppId)
		if e, ok := d.catalog[appID]; ok {
			if _, live := e.instances[preferred.InstanceId]; live {
				return bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: preferred.InstanceId}, nil
			}
		}
	}

	candidates := d.candidatesForIntent(intent, ctxType)
	switch len(candidates) {
	case 0:
		return bus.FullyQualifiedAppIdentifier{}, fmt.Errorf("%w", ErrNoAppsFound)
	case 1:
		return candidates[0], nil
	default:
		if d.resolver == nil {
			return bus.FullyQualifiedAppIdentifier{}, fmt.Errorf("%w", ErrNoAppsFound)
		}
		return d.resolver.ResolveForIntent(ctx, intent, candidates)
	}
}

// ErrNoAppsFound is the default resolution failure (spec section 4.C).
var ErrNoAppsFound = errors.New(string(bus.ErrNoAppsFound))

func (d *Directory) candidatesForIntent(intent string, ctxType string) []bus.FullyQualifiedAppIdentifier {
	var out []bus.FullyQualifiedAppIdentifier
	seen := make(map[bus.FullyQualifiedAppIdentifier]struct{})
	add := func(id bus.FullyQualifiedAppIdentifier) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for appID, e := range d.catalog {
		if e.application == nil {
			continue
		}
		decl, ok := e.application.Intents[intent]
		if !ok || !declMatches(decl, ctxType, "") {
			continue
		}
		for instID := range e.instances {
			add(bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: instID})
		}
	}
	for instID, regs := range d.dynamicRegs {
		appID := d.dynamicByApp[instID]
		for _, reg := range regs {
			if reg.intent == intent && (ctxType == "" || hasContextType(reg.contexts, ctxType)) {
				add(bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: instID})
			}
		}
	}
	return out
}

// ResolveAppInstanceForContext picks an intent (and target) for a bare
// context broadcast/raiseIntentForContext, auto-selecting when exactly
// one (intent, app) pair matches, else deferring to the resolver.
func (d *Directory) ResolveAppInstanceForContext(ctx context.Context, context bus.Context, preferredApp bus.AppId) (AppIntent, bus.FullyQualifiedAppIdentifier, error) {
	d.awaitLoad()
	candidates := d.GetAppIntentsForContext(context.Type, "")
	if preferredApp != "" {
		filtered := make([]AppIntent, 0, len(candidates))
		for _, ai := range candidates {
			var apps []AppRecord
			for _, a := range ai.Apps {
				if a.AppId == d.qualify(preferredApp) {
					apps = append(apps, a)
				}
			}
			if len(apps) > 0 {
				filtered = append(filtered, AppIntent{Intent: ai.Intent, Apps: apps})
			}
		}
		candidates = filtered
	}

	total := 0
	var single AppIntent
	var singleApp AppRecord
	for _, ai := range candidates {
		total += len(ai.Apps)
		if total == 1 {
			single = AppIntent{Intent: ai.Intent}
			singleApp = ai.Apps[0]
		}
	}
	switch {
	case total == 0:
		return AppIntent{}, bus.FullyQualifiedAppIdentifier{}, fmt.Errorf("%w", ErrNoAppsFound)
	case total == 1:
		instances, _ := d.GetAppInstances(singleApp.AppId)
		var target bus.FullyQualifiedAppIdentifier
		if len(instances) > 0 {
			target = instances[0]
		} else {
			target = bus.FullyQualifiedAppIdentifier{AppId: singleApp.AppId}
		}
		return single, target, nil
	default:
		if d.resolver == nil {
			return AppIntent{}, bus.FullyQualifiedAppIdentifier{}, fmt.Errorf("%w", ErrNoAppsFound)
		}
		return d.resolver.ResolveForContext(ctx, context, candidates)
	}
}

// GetAppDirectoryApplication returns the raw static record for appID.
func (d *Directory) GetAppDirectoryApplication(appID bus.AppId) (*AppRecord, bool) {
	d.awaitLoad()
	e, ok := d.catalog[d.qualify(appID)]
	if !ok {
		return nil, false
	}
	return e.application, true
}

// LookupInstanceIdentity returns instance's fully-qualified identity, or
// a zero identifier if it is unknown (e.g. already removed). Used by the
// heartbeat disconnect cascade, which only has an InstanceId to work
// with.
func (d *Directory) LookupInstanceIdentity(instance bus.InstanceId) bus.FullyQualifiedAppIdentifier {
	appID, ok := d.dynamicByApp[instance]
	if !ok {
		return bus.FullyQualifiedAppIdentifier{}
	}
	return bus.FullyQualifiedAppIdentifier{AppId: appID, InstanceId: instance}
}

// RemoveInstance deletes instance from the directory and its dynamic
// registrations, per the heartbeat monitor's disconnect cascade (spec
// section 4.H).
func (d *Directory) RemoveInstance(instance bus.InstanceId) {
	if appID, ok := d.dynamicByApp[instance]; ok {
		if e, ok := d.catalog[appID]; ok {
			delete(e.instances, instance)
		}
		delete(d.dynamicByApp, instance)
	}
	delete(d.dynamicRegs, instance)
}

func normalizeIdentityURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	port := u.Port()
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Hostname()) + ":" + port + u.Path, nil
}
