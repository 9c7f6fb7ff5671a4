package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/metrics"
	"github.com/Baastheglass/AI-Hospital-Receptionist/internal/protocol"
)

func TestRegistryGetOrCreate(t *testing.T) {
	d := &fakeDialer{upstream: &fakeUpstream{}}
	r := newTestRegistry(t, d.dial, nil)

	b1, created := r.GetOrCreate("conn-1", &recordingClient{})
	require.True(t, created)

	b2, created := r.GetOrCreate("conn-1", &recordingClient{})
	assert.False(t, created)
	assert.Same(t, b1, b2)

	got, ok := r.Get("conn-1")
	assert.True(t, ok)
	assert.Same(t, b1, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 1, r.Count())
}

func TestRegistryRemove(t *testing.T) {
	up := &fakeUpstream{}
	d := &fakeDialer{upstream: up}
	r := newTestRegistry(t, d.dial, nil)

	b, _ := r.GetOrCreate("conn-1", &recordingClient{})
	b.Start()
	require.Eventually(t, func() bool { return b.Info().UpstreamConnected }, time.Second, 5*time.Millisecond)

	assert.True(t, r.Remove("conn-1"))
	assert.False(t, r.Remove("conn-1"), "second remove is a no-op")
	assert.False(t, r.Remove("never-existed"))

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, up.closeCount())

	// Stopping the removed bridge does not disturb anything
	b.Stop()
	assert.Equal(t, 1, up.closeCount())
}

func TestRegistryStopAfterRemoveKeepsNewBridge(t *testing.T) {
	d := &fakeDialer{upstream: &fakeUpstream{}}
	r := newTestRegistry(t, d.dial, nil)

	old, _ := r.GetOrCreate("conn-1", &recordingClient{})
	r.Remove("conn-1")

	fresh, created := r.GetOrCreate("conn-1", &recordingClient{})
	require.True(t, created)
	assert.NotSame(t, old, fresh)

	// A stale bridge must not detach its replacement
	old.Stop()
	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistrySnapshot(t *testing.T) {
	d := &fakeDialer{upstream: &fakeUpstream{}}
	r := newTestRegistry(t, d.dial, nil)

	r.GetOrCreate("a", &recordingClient{})
	time.Sleep(2 * time.Millisecond)
	b, _ := r.GetOrCreate("b", &recordingClient{})
	b.Start()

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.False(t, infos[0].Started)
	assert.True(t, infos[1].Started)
}

func TestRegistryStop(t *testing.T) {
	up := &fakeUpstream{}
	d := &fakeDialer{upstream: up}
	m := metrics.NewMetrics()
	r := NewRegistry(Deps{Dial: d.dial, Metrics: m, Logger: testLogger()}, time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		r.GetOrCreate(id, &recordingClient{})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	r.Stop()
	r.Stop()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsDestroyed))
}

func TestRegistryReapsIdleSessions(t *testing.T) {
	d := &fakeDialer{upstream: &fakeUpstream{}}
	m := metrics.NewMetrics()
	r := NewRegistry(Deps{Dial: d.dial, Metrics: m, Logger: testLogger()}, time.Minute)
	defer r.Stop()

	idle := &recordingClient{}
	r.GetOrCreate("idle", idle)
	busy, _ := r.GetOrCreate("busy", &recordingClient{})

	now := time.Now().Add(2 * time.Minute)
	busy.mu.Lock()
	busy.lastActivity = now
	busy.mu.Unlock()

	assert.Equal(t, 1, r.reapIdle(now))
	assert.Equal(t, 1, r.Count())

	_, ok := r.Get("busy")
	assert.True(t, ok)

	errs := idle.statuses(protocol.StatusError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "inactivity")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsReaped))
}

func TestOutboxHandoff(t *testing.T) {
	o := NewOutbox(1, 20*time.Millisecond)

	require.NoError(t, o.Send(context.Background(), "first"))
	assert.Equal(t, 1, o.Len())

	// Queue is full and nobody drains it
	err := o.Send(context.Background(), "second")
	assert.True(t, errors.Is(err, ErrHandoffTimeout))

	assert.Equal(t, "first", <-o.Messages())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Send(ctx, "third"))
	cancel()
	assert.True(t, errors.Is(o.Send(ctx, "fourth"), context.Canceled))

	o.Close()
	o.Close()
	assert.True(t, errors.Is(o.Send(context.Background(), "late"), ErrClientGone))

	select {
	case <-o.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestOutboxWaitsForSpace(t *testing.T) {
	o := NewOutbox(1, time.Second)
	require.NoError(t, o.Send(context.Background(), 1))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-o.Messages()
	}()

	assert.NoError(t, o.Send(context.Background(), 2))
	assert.Equal(t, 2, <-o.Messages())
}
