package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DeviceConnected(1)
		m.Handshake(true)
		m.Evicted()
		m.Queued()
		m.Dropped("unknown_device")
		m.Sent("read")
		m.Response(time.Millisecond)
		m.IOError("read")
		m.BadInstruction("dispatch")
		m.Waiting(1)
	})
}

func TestRecording(t *testing.T) {
	m := New()
	_, err := NewRegistry(m)
	require.NoError(t, err)

	m.DeviceConnected(1)
	m.DeviceConnected(1)
	m.DeviceConnected(-1)
	m.Handshake(true)
	m.Handshake(false)
	m.Handshake(false)
	m.Dropped("unknown_device")
	m.Response(0)
	m.BadInstruction("dispatch")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DevicesConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsDropped.WithLabelValues("unknown_device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Responses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BadInstructions.WithLabelValues("dispatch")))
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	reg, err := NewRegistry(m)
	require.NoError(t, err)
	assert.Error(t, m.Register(reg))
}
