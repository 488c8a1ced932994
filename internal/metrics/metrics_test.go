package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.CircuitCreated()
	m.CircuitCreated()
	m.CircuitRemoved("idle timeout")
	m.RelayCreated()
	m.ExitSocketRemoved("abuse")
	m.BytesRelayed(128)

	require.Equal(t, float64(2), counterValue(t, m.circuitsCreated))
	require.Equal(t, float64(1), counterValue(t, m.circuitsRemoved.WithLabelValues("idle timeout")))
	require.Equal(t, float64(1), counterValue(t, m.relaysCreated))
	require.Equal(t, float64(1), counterValue(t, m.exitSocketsRemoved.WithLabelValues("abuse")))
	require.Equal(t, float64(128), counterValue(t, m.bytesRelayed))
}

func TestNoOpDiscardsEverything(t *testing.T) {
	// NoOp must satisfy Metrics and never panic regardless of call order.
	var m Metrics = NoOp
	m.CircuitCreated()
	m.CircuitRemoved("reason")
	m.RelayCreated()
	m.RelayRemoved("reason")
	m.ExitSocketCreated()
	m.ExitSocketRemoved("reason")
	m.BytesRelayed(1)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
