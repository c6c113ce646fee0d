// Package sysinfo gathers the host telemetry answered to GET_CLIENT_INFO.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one telemetry reading.
type Snapshot struct {
	CPUBrand  string
	RAMTotal  uint64
	RAMFree   uint64
	OSName    string
	OSVersion string
	OSArch    string
}

// OSString renders "<name> <version>(<arch>)".
func (s Snapshot) OSString() string {
	return fmt.Sprintf("%s %s(%s)", s.OSName, s.OSVersion, s.OSArch)
}

// Provider reads live telemetry.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Host reads telemetry from the running machine.
type Host struct{}

// Snapshot fills every field it can; missing probes fall back to runtime
// values and are reported through the joined error.
func (Host) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		OSName: runtime.GOOS,
		OSArch: runtime.GOARCH,
	}
	var errs []error

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sysinfo: cpu: %w", err))
	} else if len(infos) > 0 {
		snap.CPUBrand = strings.TrimSpace(infos[0].ModelName)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sysinfo: memory: %w", err))
	} else {
		snap.RAMTotal = vm.Total
		snap.RAMFree = vm.Available
	}

	if hi, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sysinfo: host: %w", err))
	} else {
		if name := firstNonEmpty(hi.Platform, hi.OS); name != "" {
			snap.OSName = name
		}
		snap.OSVersion = firstNonEmpty(hi.PlatformVersion, hi.KernelVersion)
		if hi.KernelArch != "" {
			snap.OSArch = hi.KernelArch
		}
	}
	return snap, errors.Join(errs...)
}

// Static returns a fixed snapshot.
type Static Snapshot

func (s Static) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot(s), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
