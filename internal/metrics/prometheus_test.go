package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIsolated(t *testing.T) {
	// Each instance owns its registry, so two can coexist
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordSessionCreated()
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.SessionsCreated))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.SessionsCreated))
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics()

	m.SetActiveSessions(3)
	m.RecordSessionDestroyed(12.5)
	m.RecordSessionReaped()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDestroyed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsReaped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SessionDuration))
}

func TestLabelledCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordClientMessage("audio_data")
	m.RecordClientMessage("audio_data")
	m.RecordClientMessage("stop")
	m.RecordUpstreamEvent("response.audio.delta")
	m.RecordHandoffFailure(HandoffTimeout)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClientMessages.WithLabelValues("audio_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientMessages.WithLabelValues("stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamEvents.WithLabelValues("response.audio.delta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandoffFailures.WithLabelValues(HandoffTimeout)))
}

func TestRecordFlush(t *testing.T) {
	m := NewMetrics()

	m.RecordFlush(48000, 2, 24000)
	m.RecordFlush(0, 0, 24000)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Flushes))
	assert.Equal(t, 48000.0, testutil.ToFloat64(m.SamplesRelayed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FragmentsSkipped))
}

func TestRecordDialAndResponder(t *testing.T) {
	m := NewMetrics()

	m.RecordUpstreamDial(0.2, nil)
	m.RecordUpstreamDial(0, errors.New("refused"))
	m.RecordResponder(0.1, nil)
	m.RecordResponder(0.3, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamDialFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResponderRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponderFailures))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionCreated()
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, "voicebridge_sessions_created_total 1"))
	assert.Contains(t, text, `voicebridge_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
