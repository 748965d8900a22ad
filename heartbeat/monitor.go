// Package heartbeat implements the per-instance liveness monitor (spec
// section 3's monitor state, section 4.H): ticker-based heartbeat
// emission, bounded-retry miss tracking, and the disconnect cascade that
// fires once an instance exhausts its retries.
//
// Grounded on commbus/protocols.go's DistributedBus.Heartbeat(ctx,
// workerID) error method — the pack's only other heartbeat-shaped
// interface — for the method-naming convention, and on the
// ticker+ctx.Done() select loop used throughout the teacher's
// background-task code (coreengine/grpc/server.go's
// GracefulServer.Start) for Monitor.Run's shape. Like the rest of the
// core, Monitor carries no internal locking: every method runs only on
// the root's single dispatch goroutine; Run's ticker delivers ticks by
// posting a continuation back onto that goroutine rather than mutating
// state directly from the ticker's own goroutine.
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/paulgoldsmith/fdc3-web-sub000/bus"
	"github.com/paulgoldsmith/fdc3-web-sub000/observability"
)

// Sender emits one heartbeat event to instance's transport channel, the
// Go analogue of commbus/protocols.go's DistributedBus.Heartbeat.
type Sender interface {
	SendHeartbeat(instance bus.InstanceId, eventUUID string) error
}

// DisconnectHandler is invoked once an instance's miss count reaches
// MaxTries, so the root can cascade the disconnect into
// directory/channel/intent/events.
type DisconnectHandler interface {
	OnDisconnect(instance bus.InstanceId)
}

// instanceState is the per-instance monitor data model from spec
// section 3.
type instanceState struct {
	outstandingEventUUID string
	consecutiveMisses    int
}

// Monitor tracks every live instance's heartbeat state.
type Monitor struct {
	sender     Sender
	disconnect DisconnectHandler
	interval   time.Duration
	maxTries   int

	instances map[bus.InstanceId]*instanceState
}

// New constructs a Monitor. interval and maxTries default to the spec's
// 1500ms/3-try configuration when zero.
func New(sender Sender, disconnect DisconnectHandler, interval time.Duration, maxTries int) *Monitor {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	if maxTries <= 0 {
		maxTries = 3
	}
	return &Monitor{
		sender:     sender,
		disconnect: disconnect,
		interval:   interval,
		maxTries:   maxTries,
		instances:  make(map[bus.InstanceId]*instanceState),
	}
}

// Track begins monitoring instance, starting with zero misses.
func (m *Monitor) Track(instance bus.InstanceId) {
	m.instances[instance] = &instanceState{}
}

// Untrack stops monitoring instance without running the disconnect
// cascade (used when the root already knows the instance is gone, e.g.
// the proxy's own transport closed).
func (m *Monitor) Untrack(instance bus.InstanceId) {
	delete(m.instances, instance)
}

// Tick fires one heartbeat round for instance: if a previous heartbeat
// is still outstanding, it counts as a miss (escalating to disconnect
// at maxTries, with no retry of the same send per spec's resolved open
// question); otherwise a fresh heartbeat is sent and tracked as
// outstanding.
func (m *Monitor) Tick(instance bus.InstanceId) {
	st, ok := m.instances[instance]
	if !ok {
		return
	}
	if st.outstandingEventUUID != "" {
		st.consecutiveMisses++
		observability.RecordHeartbeatMiss()
		if st.consecutiveMisses >= m.maxTries {
			delete(m.instances, instance)
			observability.RecordDisconnect("heartbeat_exhausted")
			m.disconnect.OnDisconnect(instance)
		}
		return
	}
	eventUUID := uuid.NewString()
	if err := m.sender.SendHeartbeat(instance, eventUUID); err != nil {
		delete(m.instances, instance)
		observability.RecordDisconnect("send_failed")
		m.disconnect.OnDisconnect(instance)
		return
	}
	st.outstandingEventUUID = eventUUID
}

// Ack records a heartbeat-ack response, clearing the outstanding
// tracking and resetting the miss count.
func (m *Monitor) Ack(instance bus.InstanceId, eventUUID string) {
	st, ok := m.instances[instance]
	if !ok || st.outstandingEventUUID != eventUUID {
		return
	}
	st.outstandingEventUUID = ""
	st.consecutiveMisses = 0
}

// Interval exposes the configured tick period for the root's ticker.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// TrackedCount reports how many instances are currently monitored, for
// diagnostics and tests.
func (m *Monitor) TrackedCount() int {
	return len(m.instances)
}

// Run drives Tick for every tracked instance on m.Interval() until ctx
// is cancelled. post is how the ticker goroutine hands a tick back to
// the single dispatch goroutine (spec section 5's continuation-posting
// pattern); in production this is root.Coordinator's inbox channel, in
// tests it can run the function immediately.
func (m *Monitor) Run(ctx context.Context, post func(func())) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			post(m.tickAll)
		}
	}
}

func (m *Monitor) tickAll() {
	instances := make([]bus.InstanceId, 0, len(m.instances))
	for id := range m.instances {
		instances = append(instances, id)
	}
	for _, id := range instances {
		m.Tick(id)
	}
}
