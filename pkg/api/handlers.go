package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/zelan-stream/zelan/pkg/channel"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/models"
)

// maxIngestFrame bounds one audio WebSocket message: header, labels, and
// up to a second of 32-bit 8-channel PCM at the top sample rate.
const maxIngestFrame = 8 << 20

func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"node":      s.deps.Node,
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"clients":   s.deps.Channel.ClientCount(),
		"processes": len(s.deps.Sup.List()),
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["eventlog"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["eventlog"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orch.Snapshot())
}

func (s *Server) handlePushAlert(c *gin.Context) {
	var alert models.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
		return
	}
	if alert.Type == "" {
		alert.Type = models.AlertTypeManualOverride
	}
	s.deps.Orch.PushAlert(alert)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleClearAlert(c *gin.Context) {
	s.deps.Orch.ClearAlert(c.Param("id"))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleAddProcess(c *gin.Context) {
	var req fleet.AddProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
		return
	}
	if err := s.deps.Sup.Add(req.ID, req.Spec); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "added", "id": req.ID})
}

func (s *Server) handleListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sup.List())
}

func (s *Server) handleProcessStatus(c *gin.Context) {
	status, err := s.deps.Sup.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStartProcess(c *gin.Context) {
	if err := s.deps.Sup.Start(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "starting"})
}

func (s *Server) handleStopProcess(c *gin.Context) {
	if err := s.deps.Sup.Stop(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) handleRemoveProcess(c *gin.Context) {
	if err := s.deps.Sup.Remove(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Router.ClusterStatus(c.Request.Context()))
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable,
			gin.H{"error": "unavailable", "message": "event log is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.deps.Store.Recent(c.Request.Context(), c.Query("prefix"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleSocket(c *gin.Context) {
	s.serveChannel(c, channel.RoleOverlay)
}

func (s *Server) handleControl(c *gin.Context) {
	s.serveChannel(c, channel.RoleDashboard)
}

func (s *Server) serveChannel(c *gin.Context, role channel.Role) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "path", c.Request.URL.Path, "error", err)
		return
	}
	s.deps.Channel.Serve(c.Request.Context(), conn, role)
}

// handleAudioIngest accepts the transcription stream: binary PCM frames
// and JSON text transcripts on one connection.
func (s *Server) handleAudioIngest(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("Ingest upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxIngestFrame)
	s.logger.Info("Audio ingest connected", "remote", c.Request.RemoteAddr)

	ctx := c.Request.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("Audio ingest disconnected", "remote", c.Request.RemoteAddr)
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			s.deps.Transcriber.HandleBinary(data)
		case websocket.MessageText:
			s.deps.Transcriber.HandleText(data)
		}
	}
}
