// Package metrics collects host resource utilization for the metrics
// publisher (C11). This replaces the teacher's metrics.Collect, which was an
// explicit zero-value stub pending a gopsutil implementation.
package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// DiskUsage is one mounted filesystem's usage.
type DiskUsage struct {
	Mountpoint  string  `json:"mountpoint"`
	UsedPercent float64 `json:"used_percent"`
	TotalBytes  uint64  `json:"total_bytes"`
}

// NetCounters is one interface's cumulative byte/packet counters.
type NetCounters struct {
	Name      string `json:"name"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// Temperature is one sensor reading in degrees Celsius.
type Temperature struct {
	Sensor string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
}

// Snapshot is one metrics sample, serialised as a single JSON object line
// by the metrics handler.
type Snapshot struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemPercent  float64       `json:"mem_percent"`
	Disks       []DiskUsage   `json:"disks,omitempty"`
	Net         []NetCounters `json:"net,omitempty"`
	Temperatures []Temperature `json:"temperatures,omitempty"`
}

// Collector gathers a Snapshot from platform APIs via gopsutil.
type Collector struct{}

// Collect gathers a single snapshot of current host resource usage. Any one
// sub-collector failing (e.g. no temperature sensors on this platform) does
// not fail the whole snapshot; that section is simply left empty.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("metrics: cpu: %w", err)
	}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics: mem: %w", err)
	}
	snap.MemPercent = vm.UsedPercent

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			u, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			snap.Disks = append(snap.Disks, DiskUsage{
				Mountpoint:  p.Mountpoint,
				UsedPercent: u.UsedPercent,
				TotalBytes:  u.Total,
			})
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, true); err == nil {
		for _, c := range counters {
			snap.Net = append(snap.Net, NetCounters{
				Name:      c.Name,
				BytesSent: c.BytesSent,
				BytesRecv: c.BytesRecv,
			})
		}
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			snap.Temperatures = append(snap.Temperatures, Temperature{
				Sensor:  t.SensorKey,
				Celsius: t.Temperature,
			})
		}
	}

	return snap, nil
}
