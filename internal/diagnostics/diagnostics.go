// Package diagnostics builds the host health report a client attaches to
// its REGISTRATION message.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostReport summarizes the operator workstation's health.
type HostReport struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Platform     string  `json:"platform"`
	CPUCount     int     `json:"cpuCount"`
	CPUPercent   float64 `json:"cpuPercent"`
	MemUsedBytes uint64  `json:"memUsedBytes"`
	MemTotal     uint64  `json:"memTotalBytes"`
	UptimeSec    uint64  `json:"uptimeSeconds"`
}

// Collect gathers a HostReport. Individual field failures are tolerated
// (best-effort reporting); the call only fails if nothing could be read.
func Collect(ctx context.Context) (HostReport, error) {
	var report HostReport
	read := false

	if info, err := host.InfoWithContext(ctx); err == nil {
		report.Hostname = info.Hostname
		report.OS = info.OS
		report.Platform = info.Platform
		report.UptimeSec = info.Uptime
		read = true
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		report.CPUCount = counts
		read = true
	}
	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
		read = true
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemUsedBytes = vm.Used
		report.MemTotal = vm.Total
		read = true
	}

	if !read {
		return report, fmt.Errorf("diagnostics: no host facts could be read")
	}
	return report, nil
}
