package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.QueueDepth("x", 3)
	m.Dispatched("x", "data")
	m.Backpressure("x")
	m.CallbackPanic("x")
	m.Connections("kcp", 1)
	m.Disconnect("kcp", "timeout")
	m.Dropped("kcp", "unknown_lane")
}

func TestMetrics_RecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Backpressure("kcp")
	m.Backpressure("kcp")
	m.QueueDepth("kcp", 7)
	m.Disconnect("kcp", "timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.backpressure.WithLabelValues("kcp")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("kcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("kcp", "timeout")))
}

func TestMetrics_DoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
