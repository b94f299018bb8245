package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
)

// runOnReactor queues fn on the reactor goroutine and waits for it. On
// failure the response has been written and false is returned.
func (s *Server) runOnReactor(c *gin.Context, fn func(*socket.Core)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	if err := s.core.Do(ctx, fn); err != nil {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("API: reactor command failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// handleKick closes a peer session on the next reactor pass.
func (s *Server) handleKick(c *gin.Context) {
	fd, err := strconv.Atoi(c.Param("fd"))
	if err != nil || fd <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fd"})
		return
	}

	var kicked bool
	if !s.runOnReactor(c, func(core *socket.Core) { kicked = core.Kick(fd) }) {
		return
	}
	if !kicked {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active peer session", "fd": fd})
		return
	}

	log.Info().Int("fd", fd).Str("client_ip", c.ClientIP()).Msg("API: session kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "fd": fd})
}

// handleDDoSReset clears the connect history of one address.
func (s *Server) handleDDoSReset(c *gin.Context) {
	raw := c.Param("ip")
	parsed := net.ParseIP(raw)
	if parsed == nil || parsed.To4() == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid IPv4 address"})
		return
	}
	ip := access.Str2IP(parsed.To4().String())

	var reset bool
	if !s.runOnReactor(c, func(core *socket.Core) { reset = core.ResetDDoS(ip) }) {
		return
	}
	if !reset {
		c.JSON(http.StatusNotFound, gin.H{"error": "address not in connect history", "ip": raw})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "ip": access.IP2Str(ip)})
}
