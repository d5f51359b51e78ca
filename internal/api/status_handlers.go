package api

import (
	"context"
	"net/http"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/fazt-sh/fazt/internal/db"
)

type hostStatus struct {
	Hostname      string `json:"hostname"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

type memoryStatus struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type diskStatus struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type cacheStatus struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

type realtimeStatus struct {
	Hubs    int `json:"hubs"`
	Clients int `json:"clients"`
}

type statusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Apps          int            `json:"apps"`
	Host          hostStatus     `json:"host"`
	Memory        memoryStatus   `json:"memory"`
	CPUPercent    float64        `json:"cpu_percent"`
	Disk          diskStatus     `json:"disk"`
	Queue         db.Stats       `json:"write_queue"`
	Cache         cacheStatus    `json:"vfs_cache"`
	Realtime      realtimeStatus `json:"realtime"`
}

// handleHealth answers liveness probes. It is the only unauthenticated
// admin endpoint.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": rt.version,
	})
}

// handleStatus reports kernel and host health. Host probes are best
// effort; a stats failure never fails the endpoint.
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, rt.buildStatus(r.Context()))
}

func (rt *Router) buildStatus(ctx context.Context) statusResponse {
	resp := statusResponse{
		Status:        "ok",
		Version:       rt.version,
		UptimeSeconds: int64(time.Since(rt.startedAt).Seconds()),
		Queue:         rt.db.Queue.Snapshot(),
		Realtime: realtimeStatus{
			Hubs:    rt.hubs.HubCount(),
			Clients: rt.hubs.ClientCount(),
		},
	}

	hits, misses, _, size := rt.files.CacheStats()
	resp.Cache = cacheStatus{Hits: hits, Misses: misses, Size: size}

	if apps, err := rt.apps.ListApps(ctx); err == nil {
		resp.Apps = len(apps)
	}

	if info, err := gohost.InfoWithContext(ctx); err == nil {
		resp.Host = hostStatus{
			Hostname:      info.Hostname,
			Platform:      info.Platform + " " + info.PlatformVersion,
			KernelVersion: info.KernelVersion,
			UptimeSeconds: info.Uptime,
		}
	}
	if vm, err := gomem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Memory = memoryStatus{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}
	if percentages, err := gocpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		resp.CPUPercent = percentages[0]
	}
	if usage, err := godisk.UsageWithContext(ctx, rt.cfg.Storage.DataDir); err == nil {
		resp.Disk = diskStatus{
			Path:        rt.cfg.Storage.DataDir,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		}
	}

	return resp
}
