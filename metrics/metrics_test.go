package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/snetproject/snet/metrics"
)

func TestLintMetrics(t *testing.T) {
	// Touch vector metrics so they appear in the gathered output.
	metrics.CommandsReceived.WithLabelValues("ping").Inc()
	metrics.ErrorCount.WithLabelValues("test").Inc()
	metrics.PeerDisconnects.WithLabelValues("test").Inc()

	collectors := []prometheus.Collector{
		metrics.DatagramsSent,
		metrics.DatagramsReceived,
		metrics.BytesSent,
		metrics.BytesReceived,
		metrics.CommandsReceived,
		metrics.ErrorCount,
		metrics.Retransmissions,
		metrics.UnreliableDropped,
		metrics.PeerConnects,
		metrics.PeerDisconnects,
	}
	for _, c := range collectors {
		problems, err := testutil.CollectAndLint(c)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range problems {
			t.Errorf("lint: %s: %s", p.Metric, p.Text)
		}
	}
}

func TestCountersMove(t *testing.T) {
	before := counterValue(t, "snet_datagrams_sent_total")
	metrics.DatagramsSent.Inc()
	after := counterValue(t, "snet_datagrams_sent_total")
	if after != before+1 {
		t.Errorf("counter moved %v -> %v, want +1", before, after)
	}
}

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			var m []*dto.Metric = f.GetMetric()
			return m[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}
