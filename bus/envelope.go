// Package bus defines the wire envelope types that cross the root/proxy
// boundary and a correlator for matching responses and predicate-selected
// messages back to the caller that is awaiting them.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulgoldsmith/fdc3-web-sub000/typeutil"
)

// AppId is an opaque application identifier. A fully-qualified AppId is
// "<local>@<host>" where host names the directory that declared it.
type AppId string

// InstanceId is assigned by the root once an instance completes identity
// validation. Unique for the lifetime of the root.
type InstanceId string

// ChannelId names a channel: fixed for user channels, user-chosen for app
// channels, freshly generated for private channels.
type ChannelId string

// FullyQualifiedAppIdentifier pairs a fully-qualified AppId with the
// InstanceId of one live instance of it.
type FullyQualifiedAppIdentifier struct {
	AppId      AppId      `json:"appId"`
	InstanceId InstanceId `json:"instanceId"`
}

func (f FullyQualifiedAppIdentifier) String() string {
	return fmt.Sprintf("%s/%s", f.AppId, f.InstanceId)
}

// IsZero reports whether f carries no identity at all.
func (f FullyQualifiedAppIdentifier) IsZero() bool {
	return f.AppId == "" && f.InstanceId == ""
}

// ChannelType distinguishes the three channel kinds.
type ChannelType string

const (
	ChannelTypeUser    ChannelType = "user"
	ChannelTypeApp     ChannelType = "app"
	ChannelTypePrivate ChannelType = "private"
)

// Channel describes a broadcast scope as surfaced to proxies.
type Channel struct {
	ID              ChannelId      `json:"id"`
	Type            ChannelType    `json:"type"`
	DisplayMetadata map[string]any `json:"displayMetadata,omitempty"`
}

// Context is the typed payload carried by broadcasts and intent
// invocations. Type is mandatory; everything else is an open map so the
// root never has to understand a given context's domain fields, only its
// structural shape (spec Non-goal: no payload-schema enforcement beyond
// this predicate).
type Context struct {
	Type  string
	Extra map[string]any
}

// Valid reports whether c is structurally a context: a non-empty Type
// string. Any JSON value missing that shape (including non-objects) is
// malformed.
func (c Context) Valid() bool {
	return c.Type != ""
}

// MarshalJSON flattens Extra alongside Type into a single object.
func (c Context) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		m[k] = v
	}
	m["type"] = c.Type
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON value; non-object values unmarshal into a
// zero Context (Valid() == false) rather than erroring, so malformed
// contexts are reported through the normal MalformedContext error path
// instead of a decode failure.
func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		*c = Context{}
		return nil
	}
	t := typeutil.SafeStringDefault(m["type"], "")
	delete(m, "type")
	c.Type = t
	c.Extra = m
	return nil
}

// RequestMeta is carried by every Request envelope.
type RequestMeta struct {
	RequestUuid string                      `json:"requestUuid"`
	Timestamp   time.Time                   `json:"timestamp"`
	Source      FullyQualifiedAppIdentifier `json:"source"`
}

// ResponseMeta is carried by every Response envelope; RequestUuid echoes
// the request it answers exactly.
type ResponseMeta struct {
	RequestUuid  string                      `json:"requestUuid"`
	ResponseUuid string                      `json:"responseUuid"`
	Timestamp    time.Time                   `json:"timestamp"`
	Source       FullyQualifiedAppIdentifier `json:"source"`
}

// EventMeta is carried by every Event envelope. Events are not correlated
// to a request; they are addressed by the transport layer via ChannelId
// delivery, not by requestUuid matching.
type EventMeta struct {
	EventUuid string    `json:"eventUuid"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is an inbound envelope from a proxy.
type Request struct {
	Type    string          `json:"type"`
	Meta    RequestMeta     `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Response is an outbound envelope answering exactly one Request.
type Response struct {
	Type    string          `json:"type"`
	Meta    ResponseMeta    `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Event is an outbound, uncorrelated envelope.
type Event struct {
	Type    string          `json:"type"`
	Meta    EventMeta       `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// NewResponse builds a Response whose meta echoes req exactly, per the
// invariant that the root never issues a response whose requestUuid does
// not match a request it received.
func NewResponse(req Request, typ string, source FullyQualifiedAppIdentifier, payload any) (Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("bus: marshal response payload: %w", err)
	}
	return Response{
		Type: typ,
		Meta: ResponseMeta{
			RequestUuid:  req.Meta.RequestUuid,
			ResponseUuid: NewUUID(),
			Timestamp:    Now(),
			Source:       source,
		},
		Payload: raw,
	}, nil
}

// NewEvent builds a freshly-uuid'd Event envelope.
func NewEvent(typ string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("bus: marshal event payload: %w", err)
	}
	return Event{
		Type: typ,
		Meta: EventMeta{
			EventUuid: NewUUID(),
			Timestamp: Now(),
		},
		Payload: raw,
	}, nil
}

// ErrorPayload is the standard shape for a terminal error response, per
// spec's closed error enumeration ("surfaced in response payloads as
// {error: ...}").
type ErrorPayload struct {
	Error string `json:"error"`
}

// --- WCP handshake envelopes (spec section 6) ---

// WCP1Hello is broadcast by a freshly loaded proxy on the out-of-band
// discovery medium.
type WCP1Hello struct {
	ConnectionAttemptUuid string `json:"connectionAttemptUuid"`
	FDC3Version           string `json:"fdc3Version"`
	IdentityURL           string `json:"identityUrl"`
	ActualURL             string `json:"actualUrl"`
}

// WCP3Handshake is the root's answer to WCP1Hello, carried alongside a
// freshly allocated bidirectional transport endpoint.
type WCP3Handshake struct {
	ConnectionAttemptUuid string `json:"connectionAttemptUuid"`
	FDC3Version           string `json:"fdc3Version"`
	ChannelSelectorURL    string `json:"channelSelectorUrl,omitempty"`
	IntentResolverURL     string `json:"intentResolverUrl,omitempty"`
}

// WCP4ValidateAppIdentity is sent by the proxy over its new endpoint.
type WCP4ValidateAppIdentity struct {
	ConnectionAttemptUuid string      `json:"connectionAttemptUuid"`
	IdentityURL           string      `json:"identityUrl"`
	ActualURL             string      `json:"actualUrl"`
	InstanceId            *InstanceId `json:"instanceId,omitempty"`
	InstanceUuid          *string     `json:"instanceUuid,omitempty"`
}

// WCP5ValidateAppIdentitySuccessResponse confirms identity resolution.
type WCP5ValidateAppIdentitySuccessResponse struct {
	AppId      AppId      `json:"appId"`
	InstanceId InstanceId `json:"instanceId"`
}

// WCP5ValidateAppIdentityFailedResponse rejects a handshake attempt.
type WCP5ValidateAppIdentityFailedResponse struct {
	Message string `json:"message"`
}
