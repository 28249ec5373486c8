package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/version"
)

type healthStatus struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Devices   int           `json:"devices"`
	Groups    int           `json:"groups"`
	Clients   int           `json:"websocket_clients"`
	Discovery bool          `json:"discovery_running"`
	History   bool          `json:"history_enabled"`
	System    *systemStatus `json:"system,omitempty"`
}

type systemStatus struct {
	Hostname      string    `json:"hostname,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	HostUptime    string    `json:"host_uptime,omitempty"`
	MemoryUsedPct float64   `json:"memory_used_percent,omitempty"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
}

// GetHealth reports service liveness plus a host snapshot. Host metrics
// that cannot be read are omitted rather than failing the check.
func (h *Handlers) GetHealth(c *gin.Context) {
	status := healthStatus{
		Status:    "ok",
		Version:   version.GetVersion(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Devices:   h.registry.Count(),
		Groups:    len(h.groups.List()),
		Discovery: h.discovery != nil && h.discovery.Running(),
		History:   h.history != nil,
	}
	if h.hub != nil {
		status.Clients = h.hub.ClientCount()
	}
	status.System = h.systemSnapshot()
	utils.SendSuccess(c, status)
}

func (h *Handlers) systemSnapshot() *systemStatus {
	sys := &systemStatus{}

	if info, err := host.Info(); err != nil {
		h.log.WithError(err).Warn("Failed to read host info")
	} else {
		sys.Hostname = info.Hostname
		sys.Platform = info.Platform
		sys.HostUptime = (time.Duration(info.Uptime) * time.Second).String()
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		h.log.WithError(err).Warn("Failed to read memory stats")
	} else {
		sys.MemoryUsedPct = vm.UsedPercent
	}
	if avg, err := load.Avg(); err != nil {
		h.log.WithError(err).Warn("Failed to read load average")
	} else {
		sys.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return sys
}
