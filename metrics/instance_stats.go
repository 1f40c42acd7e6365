// Package metrics tracks the per-instance counters backing
// TLogQueuingMetricsRequest (spec.md §6.1), in the teacher's
// rcrowley/go-metrics idiom (bourne/msg.ChannelStats).
package metrics

import (
	"fmt"

	gometrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"
)

// InstanceStats holds one LogData's queuing metrics: cumulative byte
// counters plus gauges for the storage figures a deployment samples
// from its filesystem.
type InstanceStats struct {
	bytesInput   gometrics.Counter
	bytesDurable gometrics.Counter

	storageFree      gometrics.Gauge
	storageTotal     gometrics.Gauge
	storageUsed      gometrics.Gauge
	storageAvailable gometrics.Gauge
}

// NewInstanceStats registers one InstanceStats's metrics against the
// default registry, namespaced by logID the way the teacher namespaces
// channel metrics by ChannelAddress.
func NewInstanceStats(logID uuid.UUID) *InstanceStats {
	r := gometrics.DefaultRegistry

	return &InstanceStats{
		bytesInput: gometrics.NewRegisteredCounter(
			NewInstanceMetricName(logID, "tlog.BytesInput"), r),
		bytesDurable: gometrics.NewRegisteredCounter(
			NewInstanceMetricName(logID, "tlog.BytesDurable"), r),

		storageFree: gometrics.NewRegisteredGauge(
			NewInstanceMetricName(logID, "tlog.StorageFree"), r),
		storageTotal: gometrics.NewRegisteredGauge(
			NewInstanceMetricName(logID, "tlog.StorageTotal"), r),
		storageUsed: gometrics.NewRegisteredGauge(
			NewInstanceMetricName(logID, "tlog.StorageUsed"), r),
		storageAvailable: gometrics.NewRegisteredGauge(
			NewInstanceMetricName(logID, "tlog.StorageAvailable"), r),
	}
}

func NewInstanceMetricName(logID uuid.UUID, name string) string {
	return fmt.Sprintf("-- %v --: %s", logID, name)
}

func (s *InstanceStats) RecordInput(n int64) {
	s.bytesInput.Inc(n)
}

func (s *InstanceStats) RecordDurable(n int64) {
	s.bytesDurable.Inc(n)
}

func (s *InstanceStats) SetStorage(free, total, used, available int64) {
	s.storageFree.Update(free)
	s.storageTotal.Update(total)
	s.storageUsed.Update(used)
	s.storageAvailable.Update(available)
}

func (s *InstanceStats) BytesInput() int64 {
	return s.bytesInput.Count()
}

func (s *InstanceStats) BytesDurable() int64 {
	return s.bytesDurable.Count()
}

func (s *InstanceStats) Storage() (free, total, used, available int64) {
	return s.storageFree.Value(), s.storageTotal.Value(), s.storageUsed.Value(), s.storageAvailable.Value()
}
