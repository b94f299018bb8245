package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "hercules",
		"version": Version,
	})
}

// handleInfo describes the host and the listening reactor.
func (s *Server) handleInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()
	snap := s.core.Snapshot()
	bindIP, port := s.cfg.BindAddr()

	addrs := make([]string, 0, len(s.core.LocalIPs()))
	for _, ip := range s.core.LocalIPs() {
		addrs = append(addrs, access.IP2Str(ip))
	}

	c.JSON(http.StatusOK, gin.H{
		"version":      Version,
		"hostname":     sysInfo.Hostname,
		"os":           sysInfo.OS,
		"cpu_model":    sysInfo.CPUModel,
		"cpu_threads":  sysInfo.CPUThreads,
		"memory_mb":    sysInfo.TotalMemory,
		"bind_ip":      access.IP2Str(bindIP),
		"port":         port,
		"local_ips":    addrs,
		"poller":       snap.Poller,
		"capacity":     snap.Capacity,
		"active_conns": snap.ActiveConn,
	})
}
