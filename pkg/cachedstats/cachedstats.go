package cachedstats

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"trail-lapse/pkg/stats"
)

// CachedStats holds system statistics that are too slow to gather per request.
type CachedStats struct {
	sync.RWMutex
	Data gin.H
}

var Cache = &CachedStats{
	Data: make(gin.H),
}

// RunUpdater refreshes the cache immediately and then every interval until ctx is done.
func (cs *CachedStats) RunUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			cs.Update()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (cs *CachedStats) Update() {
	data := gin.H{
		"scratch":      stats.GetScratchUsage(),
		"disk":         stats.GetDiskUsage(),
		"system_info":  stats.GetSystemInfo(),
		"pending_jobs": stats.GetPendingJobs(),
		"updated_at":   time.Now().UTC().Format(time.RFC3339),
	}

	cs.Lock()
	defer cs.Unlock()
	cs.Data = data
}

func (cs *CachedStats) GetData() gin.H {
	cs.RLock()
	defer cs.RUnlock()
	return cs.Data
}
