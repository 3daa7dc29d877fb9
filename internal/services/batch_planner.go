package services

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// BatchPlan is the per-cycle partitioning of the enabled fleet
type BatchPlan struct {
	DeviceCount int `json:"device_count" yaml:"device_count"`
	BatchSize   int `json:"batch_size" yaml:"batch_size"`
	BatchCount  int `json:"batch_count" yaml:"batch_count"`
}

// ComputePlan derives the batch size from the fleet size: the ideal size
// deviceCount/TargetBatches rounded to the nearest RoundingStep, then clamped
// to [MinBatchSize, MaxBatchSize].
func ComputePlan(deviceCount int, t config.Tuning) BatchPlan {
	if deviceCount <= 0 {
		return BatchPlan{BatchSize: t.MinBatchSize}
	}

	step := float64(max(t.RoundingStep, 1))
	ideal := float64(deviceCount) / float64(max(t.TargetBatches, 1))
	size := int(math.Round(ideal/step) * step)
	size = min(max(size, t.MinBatchSize), t.MaxBatchSize)
	if size < 1 {
		size = 1
	}

	return BatchPlan{
		DeviceCount: deviceCount,
		BatchSize:   size,
		BatchCount:  (deviceCount + size - 1) / size,
	}
}

// Partition splits devices into contiguous batches ordered by device id
func Partition(devices []device.Device, size int) [][]device.Device {
	if len(devices) == 0 || size <= 0 {
		return nil
	}
	sorted := make([]device.Device, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return lo.Chunk(sorted, size)
}

func deviceIDs(batch []device.Device) []string {
	return lo.Map(batch, func(d device.Device, _ int) string { return d.ID })
}
