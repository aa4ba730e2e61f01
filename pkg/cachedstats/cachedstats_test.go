package cachedstats

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"trail-lapse/pkg/stats"
)

func mockStats(t *testing.T) *atomic.Int32 {
	t.Helper()
	calls := &atomic.Int32{}

	originalGetScratchUsage := stats.GetScratchUsage
	stats.GetScratchUsage = func() gin.H {
		calls.Add(1)
		return gin.H{"scratch_files": 3, "scratch_size": "1.00 MB"}
	}
	originalGetDiskUsage := stats.GetDiskUsage
	stats.GetDiskUsage = func() gin.H { return gin.H{"disk_used_percent": "50.00%"} }
	originalGetSystemInfo := stats.GetSystemInfo
	stats.GetSystemInfo = func() gin.H { return gin.H{"cpu_usage": "50%"} }
	originalGetPendingJobs := stats.GetPendingJobs
	stats.GetPendingJobs = func() int { return 7 }

	t.Cleanup(func() {
		stats.GetScratchUsage = originalGetScratchUsage
		stats.GetDiskUsage = originalGetDiskUsage
		stats.GetSystemInfo = originalGetSystemInfo
		stats.GetPendingJobs = originalGetPendingJobs
	})
	return calls
}

func TestUpdateAndGetData(t *testing.T) {
	mockStats(t)

	cs := &CachedStats{Data: make(gin.H)}
	cs.Update()

	data := cs.GetData()
	assert.Equal(t, gin.H{"scratch_files": 3, "scratch_size": "1.00 MB"}, data["scratch"])
	assert.Equal(t, gin.H{"disk_used_percent": "50.00%"}, data["disk"])
	assert.Equal(t, gin.H{"cpu_usage": "50%"}, data["system_info"])
	assert.Equal(t, 7, data["pending_jobs"])
	assert.NotEmpty(t, data["updated_at"])
}

func TestRunUpdater(t *testing.T) {
	calls := mockStats(t)

	cs := &CachedStats{Data: make(gin.H)}
	ctx, cancel := context.WithCancel(context.Background())
	cs.RunUpdater(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, cs.GetData()["pending_jobs"])
	cancel()
}
