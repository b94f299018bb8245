package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/socket"
)

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"path":   s.cfg.Path(),
		"config": s.cfg.Redacted(),
	})
}

// handleReloadIPRules re-reads the config file and swaps the access list,
// network lists and DDoS limits on the reactor.
func (s *Server) handleReloadIPRules(c *gin.Context) {
	if err := s.cfg.Reload(); err != nil {
		log.Error().Err(err).Msg("API: config reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	acl, err := s.cfg.ACL()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip_rules: " + err.Error()})
		return
	}
	netconf, err := s.cfg.NetConfig()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "network: " + err.Error()})
		return
	}
	ddos := s.cfg.DDoSConfig()

	if !s.runOnReactor(c, func(core *socket.Core) {
		core.SetACL(acl)
		core.SetNetwork(netconf)
		core.History().SetConfig(ddos)
	}) {
		return
	}

	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventConfigChanged,
		Source:  "api",
		Payload: events.ConfigChangedPayload{Section: "ip_rules"},
	})

	log.Info().
		Str("order", acl.Order.String()).
		Str("client_ip", c.ClientIP()).
		Msg("API: access rules reloaded")

	c.JSON(http.StatusOK, gin.H{
		"status": "reloaded",
		"order":  acl.Order.String(),
		"ddos":   ddos,
	})
}
