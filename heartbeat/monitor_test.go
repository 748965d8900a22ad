package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
)

type recordingSender struct {
	sent    []string
	failNow bool
}

func (r *recordingSender) SendHeartbeat(instance bus.InstanceId, eventUUID string) error {
	if r.failNow {
		return errors.New("transport closed")
	}
	r.sent = append(r.sent, eventUUID)
	return nil
}

type recordingDisconnector struct {
	disconnected []bus.InstanceId
}

func (r *recordingDisconnector) OnDisconnect(instance bus.InstanceId) {
	r.disconnected = append(r.disconnected, instance)
}

func TestTickSendsThenWaitsForAck(t *testing.T) {
	sender := &recordingSender{}
	disc := &recordingDisconnector{}
	m := New(sender, disc, time.Millisecond, 3)
	m.Track("1")

	m.Tick("1")
	require.Len(t, sender.sent, 1)

	m.Ack("1", sender.sent[0])
	m.Tick("1")
	require.Len(t, sender.sent, 2)
	require.Empty(t, disc.disconnected)
}

func TestTickEscalatesToDisconnectAfterMaxTries(t *testing.T) {
	sender := &recordingSender{}
	disc := &recordingDisconnector{}
	m := New(sender, disc, time.Millisecond, 2)
	m.Track("1")

	m.Tick("1") // sends, now outstanding
	m.Tick("1") // miss 1
	require.Empty(t, disc.disconnected)
	m.Tick("1") // miss 2 -> disconnect
	require.Equal(t, []bus.InstanceId{"1"}, disc.disconnected)
	require.Equal(t, 0, m.TrackedCount())
}

func TestTickSendFailureDisconnectsImmediately(t *testing.T) {
	sender := &recordingSender{failNow: true}
	disc := &recordingDisconnector{}
	m := New(sender, disc, time.Millisecond, 3)
	m.Track("1")

	m.Tick("1")
	require.Equal(t, []bus.InstanceId{"1"}, disc.disconnected)
}

func TestAckWithMismatchedUUIDIsIgnored(t *testing.T) {
	sender := &recordingSender{}
	disc := &recordingDisconnector{}
	m := New(sender, disc, time.Millisecond, 3)
	m.Track("1")

	m.Tick("1")
	m.Ack("1", "wrong-uuid")
	m.Tick("1") // still outstanding -> counts as a miss
	require.Equal(t, 1, len(sender.sent))
}

func TestUntrackStopsMonitoringWithoutDisconnect(t *testing.T) {
	sender := &recordingSender{}
	disc := &recordingDisconnector{}
	m := New(sender, disc, time.Millisecond, 1)
	m.Track("1")
	m.Untrack("1")

	m.Tick("1")
	require.Empty(t, sender.sent)
	require.Empty(t, disc.disconnected)
}
