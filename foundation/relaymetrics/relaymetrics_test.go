package relaymetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		ConnectedClients,
		ConnectionsAccepted,
		ConnectionsPruned,
		CatchUpFramesSent,
		FramesIngested,
		MalformedFrames,
		UpstreamReadErrors,
		UpstreamFaulty,
		BroadcastDeliveries,
		BroadcastSendFailures,
		BroadcastDuration,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestPrunedByReason(t *testing.T) {
	before := testutil.ToFloat64(ConnectionsPruned.WithLabelValues("send_failed"))
	ConnectionsPruned.WithLabelValues("send_failed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ConnectionsPruned.WithLabelValues("send_failed")))
}
