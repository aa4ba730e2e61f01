package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"trail-lapse/pkg/config"
	"trail-lapse/pkg/jobs"
)

// GetScratchUsage reports how many files and bytes sit in the scratch directory.
var GetScratchUsage = func() gin.H {
	var files int
	var totalSize int64
	err := filepath.Walk(config.AppConfig.ScratchDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files++
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Error calculating scratch usage")
		return gin.H{"scratch_files": "N/A", "scratch_size": "N/A"}
	}
	return gin.H{"scratch_files": files, "scratch_size": FormatBytes(totalSize)}
}

// GetDiskUsage reports usage of the filesystem holding the data directory.
var GetDiskUsage = func() gin.H {
	usage, err := disk.Usage(config.AppConfig.DataDir)
	if err != nil {
		log.Warn().Err(err).Msg("Error reading disk usage")
		return gin.H{"disk_total": "N/A", "disk_free": "N/A", "disk_used_percent": "N/A"}
	}
	return gin.H{
		"disk_total":        FormatBytes(int64(usage.Total)),
		"disk_free":         FormatBytes(int64(usage.Free)),
		"disk_used_percent": fmt.Sprintf("%.2f%%", usage.UsedPercent),
	}
}

var GetSystemInfo = func() gin.H {
	info := gin.H{"os_type": "N/A", "cpu_usage": "N/A", "memory_usage": "N/A"}

	if h, err := host.Info(); err == nil {
		info["os_type"] = fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion)
	}
	// Non-blocking: compares against the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info["cpu_usage"] = fmt.Sprintf("%.1f%%", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_usage"] = fmt.Sprintf("%.1f%%", vm.UsedPercent)
	}
	return info
}

var GetPendingJobs = func() int {
	n, err := jobs.CountPending()
	if err != nil {
		log.Warn().Err(err).Msg("Error counting pending jobs")
		return -1
	}
	return n
}

func FormatBytes(totalSize int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)

	switch {
	case totalSize >= gb:
		return fmt.Sprintf("%.2f GB", float64(totalSize)/float64(gb))
	case totalSize >= mb:
		return fmt.Sprintf("%.2f MB", float64(totalSize)/float64(mb))
	case totalSize >= kb:
		return fmt.Sprintf("%.2f KB", float64(totalSize)/float64(kb))
	default:
		return fmt.Sprintf("%d Bytes", totalSize)
	}
}
