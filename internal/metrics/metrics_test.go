package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	base := testutil.ToFloat64(rateLimitDenied.WithLabelValues("user", "RATE_LIMIT_EXCEEDED"))
	RateLimitDenied("user", "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, base+1, testutil.ToFloat64(rateLimitDenied.WithLabelValues("user", "RATE_LIMIT_EXCEEDED")))

	base = testutil.ToFloat64(recordsDegraded.WithLabelValues(StageStore))
	RecordsDegraded(StageStore)
	assert.Equal(t, base+1, testutil.ToFloat64(recordsDegraded.WithLabelValues(StageStore)))

	base = testutil.ToFloat64(consumerMessages.WithLabelValues("SUCCESS"))
	ConsumerMessage("SUCCESS")
	assert.Equal(t, base+1, testutil.ToFloat64(consumerMessages.WithLabelValues("SUCCESS")))
}
