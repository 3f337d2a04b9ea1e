package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCountersDescribeEmitsAllDescs(t *testing.T) {
	c := NewCounters("zone-1")
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	require.Equal(t, 8, count)
}

func TestCountersCollectEmitsAllMetrics(t *testing.T) {
	c := NewCounters("zone-2")
	c.RecordAllocate()
	c.RecordAdjust("data-increment")
	c.RecordAdjust("data-decrement")
	c.RecordAdjust("block-map-increment")
	c.RecordAuditMismatch(3)

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	require.Equal(t, 10, count) // adjustDesc is emitted once per operation label

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRecordAuditMismatchAccumulates(t *testing.T) {
	c := NewCounters("zone-3")
	c.RecordAuditMismatch(2)
	c.RecordAuditMismatch(5)
	require.EqualValues(t, 7, c.auditMismatches.Load())
}
