package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRelay_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelay(reg)

	m.Produced("camera")
	m.Produced("camera")
	m.Delivered("camera", 3*time.Millisecond)
	m.Dropped("camera", 4)
	m.Dropped("camera", 0)
	m.Error("camera", "malformed_data")
	m.DecoderReset()
	m.QueueLength("camera", 2)
	m.Viewers(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.produced.WithLabelValues("camera")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.delivered.WithLabelValues("camera")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.dropped.WithLabelValues("camera")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("camera", "malformed_data")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.resets))
	require.Equal(t, 2.0, testutil.ToFloat64(m.queueLen.WithLabelValues("camera")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.viewers))
	require.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestRelay_Nil(t *testing.T) {
	var m *Relay

	require.NotPanics(t, func() {
		m.Produced("x")
		m.Delivered("x", time.Second)
		m.Dropped("x", 1)
		m.Error("x", "y")
		m.DecoderReset()
		m.QueueLength("x", 1)
		m.Viewers(1)
	})
}
