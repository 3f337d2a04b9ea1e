// Package stats exposes the engine's statistics counters as a
// prometheus.Collector. Spec §5 requires stat fields be "written only by
// the owning thread and read with a relaxed memory model by observers";
// atomic.Uint64 fields collected on demand are the Go idiom for that
// guarantee, replacing the source's WRITE_ONCE/READ_ONCE macro pairs.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is one zone's statistics block: every field is updated only
// by that zone's own thread (spec §5), and may be read from any
// goroutine via the atomic accessors or through Collect.
type Counters struct {
	zone string

	blocksAllocated    atomic.Uint64
	blocksFreed        atomic.Uint64
	dataIncrements     atomic.Uint64
	dataDecrements     atomic.Uint64
	blockMapIncrements atomic.Uint64
	refCountInvalid    atomic.Uint64
	replaysApplied     atomic.Uint64
	readOnlyTrips      atomic.Uint64
	vioOutages         atomic.Uint64
	auditMismatches    atomic.Uint64
}

// NewCounters returns a zero-valued Counters tagged with zone.
func NewCounters(zone string) *Counters {
	return &Counters{zone: zone}
}

// RecordAllocate increments the allocation counter.
func (c *Counters) RecordAllocate() { c.blocksAllocated.Add(1) }

// RecordFree increments the free counter.
func (c *Counters) RecordFree() { c.blocksFreed.Add(1) }

// RecordAdjust increments the counter for op.
func (c *Counters) RecordAdjust(op string) {
	switch op {
	case "data-increment":
		c.dataIncrements.Add(1)
	case "data-decrement":
		c.dataDecrements.Add(1)
	case "block-map-increment":
		c.blockMapIncrements.Add(1)
	}
}

// RecordRefCountInvalid increments the non-fatal REF_COUNT_INVALID
// counter (spec §7).
func (c *Counters) RecordRefCountInvalid() { c.refCountInvalid.Add(1) }

// RecordReplay increments the replayed-entry counter.
func (c *Counters) RecordReplay() { c.replaysApplied.Add(1) }

// RecordReadOnlyTrip increments the read-only-transition counter.
func (c *Counters) RecordReadOnlyTrip() { c.readOnlyTrips.Add(1) }

// RecordVIOOutage increments the VIO-pool-exhaustion counter.
func (c *Counters) RecordVIOOutage() { c.vioOutages.Add(1) }

// RecordAuditMismatch increments the audit-mismatch counter by delta.
func (c *Counters) RecordAuditMismatch(delta uint64) { c.auditMismatches.Add(delta) }

var (
	blocksAllocatedDesc = prometheus.NewDesc("vdo_blocks_allocated_total", "Blocks transitioned to PROVISIONAL by allocate.", []string{"zone"}, nil)
	blocksFreedDesc     = prometheus.NewDesc("vdo_blocks_freed_total", "Blocks transitioned back to FREE.", []string{"zone"}, nil)
	adjustDesc          = prometheus.NewDesc("vdo_adjust_total", "Reference-count adjustments by operation.", []string{"zone", "operation"}, nil)
	refCountInvalidDesc = prometheus.NewDesc("vdo_ref_count_invalid_total", "Non-fatal REF_COUNT_INVALID errors observed.", []string{"zone"}, nil)
	replaysDesc         = prometheus.NewDesc("vdo_replays_applied_total", "Slab journal entries applied during replay.", []string{"zone"}, nil)
	readOnlyTripsDesc   = prometheus.NewDesc("vdo_read_only_trips_total", "Times this zone entered read-only mode.", []string{"zone"}, nil)
	vioOutagesDesc      = prometheus.NewDesc("vdo_vio_outages_total", "Times Acquire found the VIO pool empty.", []string{"zone"}, nil)
	auditMismatchDesc   = prometheus.NewDesc("vdo_audit_mismatches_total", "Audit mismatches recorded, summed by |errorDelta|.", []string{"zone"}, nil)
)

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- blocksAllocatedDesc
	ch <- blocksFreedDesc
	ch <- adjustDesc
	ch <- refCountInvalidDesc
	ch <- replaysDesc
	ch <- readOnlyTripsDesc
	ch <- vioOutagesDesc
	ch <- auditMismatchDesc
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(blocksAllocatedDesc, prometheus.CounterValue, float64(c.blocksAllocated.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(blocksFreedDesc, prometheus.CounterValue, float64(c.blocksFreed.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(adjustDesc, prometheus.CounterValue, float64(c.dataIncrements.Load()), c.zone, "data-increment")
	ch <- prometheus.MustNewConstMetric(adjustDesc, prometheus.CounterValue, float64(c.dataDecrements.Load()), c.zone, "data-decrement")
	ch <- prometheus.MustNewConstMetric(adjustDesc, prometheus.CounterValue, float64(c.blockMapIncrements.Load()), c.zone, "block-map-increment")
	ch <- prometheus.MustNewConstMetric(refCountInvalidDesc, prometheus.CounterValue, float64(c.refCountInvalid.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(replaysDesc, prometheus.CounterValue, float64(c.replaysApplied.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(readOnlyTripsDesc, prometheus.CounterValue, float64(c.readOnlyTrips.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(vioOutagesDesc, prometheus.CounterValue, float64(c.vioOutages.Load()), c.zone)
	ch <- prometheus.MustNewConstMetric(auditMismatchDesc, prometheus.CounterValue, float64(c.auditMismatches.Load()), c.zone)
}
