// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
)

// diskLowWarningPercent is the used-space percentage above which SystemInfo
// sets DiskLowWarning, matching the teacher's diagnostics package's
// DiskUsageCriticalPercent check.
const diskLowWarningPercent = 95

// DiskSystemInfo implements SystemInfoProvider by statting the filesystem
// backing path (normally the daemon's single-instance lock directory) and shelling out to
// timedatectl for NTP sync status.
type DiskSystemInfo struct {
	path string
}

// NewDiskSystemInfo returns a provider that reports disk usage for path.
func NewDiskSystemInfo(path string) *DiskSystemInfo {
	return &DiskSystemInfo{path: path}
}

// SystemInfo implements SystemInfoProvider.
func (d *DiskSystemInfo) SystemInfo() SystemInfo {
	info := SystemInfo{}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.path, &stat); err == nil {
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		info.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		info.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
		if info.DiskTotalBytes > 0 {
			usedPercent := 100.0 - (float64(info.DiskFreeBytes)/float64(info.DiskTotalBytes))*100.0
			info.DiskLowWarning = usedPercent > diskLowWarningPercent
		}
	}

	out, err := exec.CommandContext(context.Background(), "timedatectl", "status").Output()
	if err != nil {
		info.NTPSynced = true
		info.NTPMessage = "timedatectl not available, assuming synced"
		return info
	}
	if strings.Contains(string(out), "synchronized: yes") {
		info.NTPSynced = true
	} else {
		info.NTPMessage = "system clock may not be synchronized"
	}

	return info
}
