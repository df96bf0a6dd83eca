// Package probes implements the agent's platform sampling contract: five
// pure-ish functions, one per metric family, each returning a shaped
// snapshot from the local host using gopsutil — the same library the
// pack's opentalon collector uses for cross-platform telemetry.
package probes

import (
	"context"
	"fmt"
	"os/user"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"sysmonctl/internal/model"
)

// topProcessCount bounds how many processes the Process probe returns,
// sorted by CPU percent descending.
const topProcessCount = 20

// CPU samples aggregate and per-core utilization plus load averages and
// counters. The 200ms blocking window is the same percent-since-last-call
// idiom opentalon's collector uses, just shortened to fit the scheduler's
// tick budget.
func CPU(ctx context.Context) (model.CPUSnapshot, error) {
	agg, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return model.CPUSnapshot{}, fmt.Errorf("%w: cpu aggregate: %v", model.ErrProbeFailure, err)
	}
	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return model.CPUSnapshot{}, fmt.Errorf("%w: cpu per-core: %v", model.ErrProbeFailure, err)
	}
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		counts = len(perCore)
	}

	snap := model.CPUSnapshot{
		CoreCount:      counts,
		PerCoreUsage:   perCore,
		AggregateUsage: 0,
	}
	if len(agg) > 0 {
		snap.AggregateUsage = agg[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if stat, err := cpu.InfoWithContext(ctx); err == nil && len(stat) == 0 {
		// no-op: absence of cpu.Info on a platform is not a sampling failure
	}
	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		// context switches/interrupts are not exposed uniformly by gopsutil's
		// cpu.TimesStat; ContextSwitches and Interrupts are not sampled and
		// stay zero on every platform.
		_ = times
	}
	return snap, nil
}

// Memory samples physical and swap usage in bytes.
func Memory(ctx context.Context) (model.MemorySnapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.MemorySnapshot{}, fmt.Errorf("%w: virtual memory: %v", model.ErrProbeFailure, err)
	}
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		// Swap absence (e.g. swapless containers) is not a probe failure.
		sw = &mem.SwapMemoryStat{}
	}
	return model.MemorySnapshot{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		FreeBytes:      vm.Free,
		CachedBytes:    vm.Cached,
		BuffersBytes:   vm.Buffers,
		SwapTotalBytes: sw.Total,
		SwapUsedBytes:  sw.Used,
	}, nil
}

// Disk samples every mounted filesystem's usage and cumulative I/O counters.
func Disk(ctx context.Context) ([]model.DiskEntry, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: disk partitions: %v", model.ErrProbeFailure, err)
	}
	ioCounters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		ioCounters = map[string]disk.IOCountersStat{}
	}

	entries := make([]model.DiskEntry, 0, len(parts))
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue // unreadable mount (e.g. permission-restricted); skip, not fatal
		}
		entry := model.DiskEntry{
			Device:       p.Device,
			MountPoint:   p.Mountpoint,
			TotalBytes:   usage.Total,
			UsedBytes:    usage.Used,
			FreeBytes:    usage.Free,
			UsagePercent: usage.UsedPercent,
		}
		if io, ok := ioCounters[deviceBase(p.Device)]; ok {
			entry.ReadBytes = io.ReadBytes
			entry.WriteBytes = io.WriteBytes
			entry.ReadOps = io.ReadCount
			entry.WriteOps = io.WriteCount
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no readable disk partitions", model.ErrProbeFailure)
	}
	return entries, nil
}

// Network samples every interface's cumulative counters.
func Network(ctx context.Context) ([]model.NetworkEntry, error) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("%w: net io counters: %v", model.ErrProbeFailure, err)
	}
	ifaces, err := psnet.InterfacesWithContext(ctx)
	upByName := map[string]bool{}
	speedByName := map[string]int64{}
	if err == nil {
		for _, iface := range ifaces {
			up := false
			for _, f := range iface.Flags {
				if f == "up" {
					up = true
				}
			}
			upByName[iface.Name] = up
		}
	}

	entries := make([]model.NetworkEntry, 0, len(counters))
	for _, c := range counters {
		entries = append(entries, model.NetworkEntry{
			Interface:   c.Name,
			BytesSent:   c.BytesSent,
			BytesRecv:   c.BytesRecv,
			PacketsSent: c.PacketsSent,
			PacketsRecv: c.PacketsRecv,
			Errin:       c.Errin,
			Errout:      c.Errout,
			Dropin:      c.Dropin,
			Dropout:     c.Dropout,
			IsUp:        upByName[c.Name],
			SpeedMbps:   speedByName[c.Name],
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no network interfaces reported", model.ErrProbeFailure)
	}
	return entries, nil
}

// Processes samples the top-N processes by CPU percent.
func Processes(ctx context.Context) ([]model.ProcessEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating processes: %v", model.ErrProbeFailure, err)
	}

	entries := make([]model.ProcessEntry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process exited mid-scan; skip rather than fail the whole sample
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memInfo, _ := p.MemoryInfoWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		threads, _ := p.NumThreadsWithContext(ctx)
		createdMs, _ := p.CreateTimeWithContext(ctx)
		status, _ := p.StatusWithContext(ctx)
		uids, _ := p.UidsWithContext(ctx)
		ioCounters, _ := p.IOCountersWithContext(ctx)
		fds, _ := p.NumFDsWithContext(ctx)

		entry := model.ProcessEntry{
			PID:         p.Pid,
			PPID:        ppid,
			Name:        name,
			Exe:         exe,
			CPUPercent:  cpuPct,
			ThreadCount: threads,
			StartTime:   time.UnixMilli(createdMs),
			Owner:       ownerName(uids),
			OpenFDCount: fds,
		}
		if memInfo != nil {
			entry.RSSBytes = memInfo.RSS
		}
		if len(status) > 0 {
			entry.State = status[0]
		}
		if ioCounters != nil {
			entry.ReadBytes = ioCounters.ReadBytes
			entry.WriteBytes = ioCounters.WriteBytes
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].CPUPercent > entries[j].CPUPercent })
	if len(entries) > topProcessCount {
		entries = entries[:topProcessCount]
	}
	return entries, nil
}

func ownerName(uids []uint32) string {
	if len(uids) == 0 {
		return ""
	}
	u, err := user.LookupId(strconv.Itoa(int(uids[0])))
	if err != nil {
		return strconv.Itoa(int(uids[0]))
	}
	return u.Username
}

// deviceBase strips a /dev/ prefix so a partition's Device lines up with the
// key disk.IOCounters uses (e.g. "sda1" not "/dev/sda1").
func deviceBase(device string) string {
	for i := len(device) - 1; i >= 0; i-- {
		if device[i] == '/' {
			return device[i+1:]
		}
	}
	return device
}
