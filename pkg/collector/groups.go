package collector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

// LowMemoryFraction is the share of total memory below which available
// memory is reported as low.
const LowMemoryFraction = 0.05

// DefaultGroups are the groups available on every host.
func DefaultGroups(pid int32) []Group {
	return []Group{
		{Key: "meminfo", Collect: MemInfo},
		{Key: "MemoryInfo", Collect: MemoryInfo},
		{Key: "status", Collect: Status(pid)},
		{Key: "proc", Collect: Proc(pid)},
		{Key: "runtime", Collect: Runtime},
	}
}

// MemInfo reports system wide counters named after /proc/meminfo.
func MemInfo(ctx context.Context) (metrics.Tree, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return metrics.Tree{
		"MemTotal":     vm.Total,
		"MemFree":      vm.Free,
		"MemAvailable": vm.Available,
		"Buffers":      vm.Buffers,
		"Cached":       vm.Cached,
		"Active":       vm.Active,
		"Inactive":     vm.Inactive,
		"Shmem":        vm.Shared,
		"Slab":         vm.Slab,
		"Dirty":        vm.Dirty,
		"SwapTotal":    vm.SwapTotal,
		"SwapFree":     vm.SwapFree,
		"CommitLimit":  vm.CommitLimit,
		"Committed_AS": vm.CommittedAS,
	}, nil
}

// MemoryInfo is the condensed availability view. lowMemory is only present
// when set.
func MemoryInfo(ctx context.Context) (metrics.Tree, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	threshold := uint64(float64(vm.Total) * LowMemoryFraction)
	out := metrics.Tree{
		"availMem":  vm.Available,
		"totalMem":  vm.Total,
		"threshold": threshold,
	}
	if vm.Available < threshold {
		out["lowMemory"] = true
	}
	return out, nil
}

// Status reports the process counters of /proc/<pid>/status.
func Status(pid int32) func(ctx context.Context) (metrics.Tree, error) {
	return func(ctx context.Context) (metrics.Tree, error) {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return nil, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return metrics.Tree{
			"VmRSS":  info.RSS,
			"VmSize": info.VMS,
			"VmHWM":  info.HWM,
			"VmData": info.Data,
			"VmStk":  info.Stack,
			"VmLck":  info.Locked,
			"VmSwap": info.Swap,
		}, nil
	}
}

// Proc reports the kernel's OOM killer score of the process.
func Proc(pid int32) func(ctx context.Context) (metrics.Tree, error) {
	return func(ctx context.Context) (metrics.Tree, error) {
		score, err := OOMScore(pid)
		if err != nil {
			return nil, err
		}
		return metrics.Tree{"oom_score": score}, nil
	}
}

// OOMScore reads /proc/<pid>/oom_score.
func OOMScore(pid int32) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/oom_score", pid))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Runtime reports the Go heap of this process.
func Runtime(ctx context.Context) (metrics.Tree, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return metrics.Tree{
		"HeapAlloc":    ms.HeapAlloc,
		"HeapSys":      ms.HeapSys,
		"HeapIdle":     ms.HeapIdle,
		"HeapReleased": ms.HeapReleased,
		"Sys":          ms.Sys,
		"NumGC":        ms.NumGC,
	}, nil
}
