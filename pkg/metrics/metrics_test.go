package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(RecordsExported.WithLabelValues("metrics_test"))
	RecordsExported.WithLabelValues("metrics_test").Add(42)
	assert.Equal(t, before+42, testutil.ToFloat64(RecordsExported.WithLabelValues("metrics_test")))

	DiscoveryCoverage.WithLabelValues("idx", "ns").Set(0.5)
	assert.Equal(t, 0.5, testutil.ToFloat64(DiscoveryCoverage.WithLabelValues("idx", "ns")))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("boom")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	assert.GreaterOrEqual(t, timer.Seconds(), 0.0)
}
