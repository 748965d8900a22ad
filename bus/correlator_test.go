package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorrelatorAwaitRequestUUIDSingleDelivery(t *testing.T) {
	c := NewCorrelator()
	var got []Response

	cancel := c.AwaitRequestUUID("req-1", func(r Response) { got = append(got, r) })
	defer cancel()

	require.True(t, c.Dispatch(Response{Meta: ResponseMeta{RequestUuid: "req-1"}}))
	require.False(t, c.Dispatch(Response{Meta: ResponseMeta{RequestUuid: "req-1"}}))
	require.Len(t, got, 1)
	require.Equal(t, 0, c.Pending())
}

func TestCorrelatorAwaitMatching(t *testing.T) {
	c := NewCorrelator()
	var matched Response

	c.AwaitMatching(
		func(r Response) bool { return r.Type == "openResponse" },
		func(r Response) { matched = r },
	)

	require.False(t, c.Dispatch(Response{Type: "raiseIntentResponse"}))
	require.True(t, c.Dispatch(Response{Type: "openResponse", Meta: ResponseMeta{RequestUuid: "x"}}))
	require.Equal(t, "openResponse", matched.Type)
}

func TestCorrelatorCancel(t *testing.T) {
	c := NewCorrelator()
	called := false
	cancel := c.AwaitRequestUUID("req-2", func(Response) { called = true })
	cancel()

	require.False(t, c.Dispatch(Response{Meta: ResponseMeta{RequestUuid: "req-2"}}))
	require.False(t, called)
}

func TestContextValidity(t *testing.T) {
	require.True(t, Context{Type: "fdc3.contact"}.Valid())
	require.False(t, Context{}.Valid())
}
