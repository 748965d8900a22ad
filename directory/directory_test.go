package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

type stubDoer struct {
	body string
}

func (s stubDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(s.body)),
	}, nil
}

func loadedDirectory(t *testing.T, body string) *Directory {
	t.Helper()
	d := New([]string{"https://dir.example.com"}, stubDoer{body: body}, nil, nil)
	require.NoError(t, d.Load(context.Background()))
	return d
}

func TestDirectoryLoadQualifiesAppIds(t *testing.T) {
	body := `{"message":"OK","applications":[{"appId":"chat","name":"Chat","type":"web","details":{"identityUrl":"https://chat.example.com/"}}]}`
	d := loadedDirectory(t, body)

	rec, ok := d.GetAppDirectoryApplication("chat@dir.example.com")
	require.True(t, ok)
	require.Equal(t, bus.AppId("chat@dir.example.com"), rec.AppId)
}

func TestDirectoryZeroURLsQualifiesWithSentinelHost(t *testing.T) {
	d := New(nil, nil, nil, nil)
	require.NoError(t, d.Load(context.Background()))

	err := d.RegisterExistingInstance("listener-app", "inst-1")
	require.ErrorIs(t, err, ErrAppNotFound)

	require.Equal(t, bus.AppId("listener-app@"+UnknownHost), d.qualify("listener-app"))
}

func TestRegisterIntentListenerRequiresKnownInstance(t *testing.T) {
	d := loadedDirectory(t, `{"message":"OK","applications":[]}`)
	err := d.RegisterIntentListener("ghost", "StartChat", nil)
	require.ErrorIs(t, err, ErrTargetInstanceUnavailable)
}

func TestRegisterNewInstanceMatchesIdentityURL(t *testing.T) {
	body := `{"message":"OK","applications":[{"appId":"chat","name":"Chat","type":"web","details":{"identityUrl":"https://chat.example.com/app"}}]}`
	d := loadedDirectory(t, body)

	id, rec, err := d.RegisterNewInstance("https://chat.example.com/app?x=1")
	require.NoError(t, err)
	require.Equal(t, bus.AppId("chat@dir.example.com"), id.AppId)
	require.Equal(t, "Chat", rec.Name)

	_, _, err = d.RegisterNewInstance("https://unknown.example.com/")
	require.ErrorIs(t, err, ErrAppNotFound)
}

func TestResolveAppInstanceForIntentAutoSelectsSingleCandidate(t *testing.T) {
	body := `{"message":"OK","applications":[{"appId":"chat","name":"Chat","type":"web","details":{"identityUrl":"https://chat.example.com/"},"intents":{"StartChat":{"contexts":["fdc3.contact"]}}}]}`
	d := loadedDirectory(t, body)
	id, _, err := d.RegisterNewInstance("https://chat.example.com/")
	require.NoError(t, err)

	resolved, err := d.ResolveAppInstanceForIntent(context.Background(), "StartChat", "fdc3.contact", nil)
	require.NoError(t, err)
	require.Equal(t, id, resolved)
}

func TestResolveAppInstanceForIntentNoneFound(t *testing.T) {
	d := loadedDirectory(t, `{"message":"OK","applications":[]}`)
	_, err := d.ResolveAppInstanceForIntent(context.Background(), "StartChat", "fdc3.contact", nil)
	require.ErrorIs(t, err, ErrNoAppsFound)
}

func TestAppsResponseIgnoredWhenMessageNotOK(t *testing.T) {
	d := loadedDirectory(t, `{"message":"ERROR","applications":[{"appId":"chat"}]}`)
	_, ok := d.GetAppDirectoryApplication("chat@dir.example.com")
	require.False(t, ok)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
