package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/auth"
	"github.com/danmuck/ircmux/internal/core"
	"github.com/danmuck/ircmux/internal/ircwire"
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/transfer"
)

type rawRequest struct {
	Line string `json:"line" binding:"required"`
}

type messageRequest struct {
	Target string `json:"target" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

type commandRequest struct {
	Target string `json:"target"`
	Input  string `json:"input" binding:"required"`
}

type selectRequest struct {
	Buffer string `json:"buffer" binding:"required"`
}

type sendFileRequest struct {
	Peer string `json:"peer" binding:"required"`
	Path string `json:"path" binding:"required"`
}

type chatRequest struct {
	Peer string `json:"peer" binding:"required"`
}

type chatLineRequest struct {
	Line string `json:"line" binding:"required"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": "ircmuxd",
			"version": s.version,
		})
	})

	api := r.Group("", s.authenticate())
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.GET("/state", s.getState)
	api.GET("/networks/:id/buffers/:name", func(c *gin.Context) {
		b, err := s.core.Buffer(c.Param("id"), c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, b)
	})
	api.DELETE("/networks/:id/buffers/:name", func(c *gin.Context) {
		s.respond(c, s.core.CloseBuffer(c.Request.Context(), c.Param("id"), c.Param("name")))
	})

	api.POST("/networks/:id/connect", func(c *gin.Context) {
		s.respond(c, s.core.Connect(c.Request.Context(), c.Param("id")))
	})
	api.POST("/networks/:id/disconnect", func(c *gin.Context) {
		s.respond(c, s.core.Disconnect(c.Request.Context(), c.Param("id")))
	})
	api.POST("/networks/:id/reconnect", func(c *gin.Context) {
		s.respond(c, s.core.Reconnect(c.Request.Context(), c.Param("id")))
	})
	api.POST("/disconnect-all", func(c *gin.Context) {
		s.respond(c, s.core.DisconnectAll(c.Request.Context()))
	})

	api.POST("/networks/:id/raw", func(c *gin.Context) {
		var req rawRequest
		if !bind(c, &req) {
			return
		}
		s.respond(c, s.core.SendRaw(c.Request.Context(), c.Param("id"), req.Line))
	})
	api.POST("/networks/:id/messages", func(c *gin.Context) {
		var req messageRequest
		if !bind(c, &req) {
			return
		}
		s.respond(c, s.core.SendMessage(c.Request.Context(), c.Param("id"), req.Target, req.Text))
	})
	api.POST("/networks/:id/commands", func(c *gin.Context) {
		var req commandRequest
		if !bind(c, &req) {
			return
		}
		s.respond(c, s.core.Command(c.Request.Context(), c.Param("id"), req.Target, req.Input))
	})
	api.POST("/networks/:id/select", func(c *gin.Context) {
		var req selectRequest
		if !bind(c, &req) {
			return
		}
		s.respond(c, s.core.Select(c.Param("id"), req.Buffer))
	})

	// Transfers outlive the request that started them.
	api.POST("/networks/:id/transfers", func(c *gin.Context) {
		var req sendFileRequest
		if !bind(c, &req) {
			return
		}
		id, err := s.core.SendFile(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.Peer, req.Path)
		s.respondID(c, id, err)
	})
	api.POST("/networks/:id/chats", func(c *gin.Context) {
		var req chatRequest
		if !bind(c, &req) {
			return
		}
		id, err := s.core.StartChat(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.Peer)
		s.respondID(c, id, err)
	})
	api.POST("/offers/:id/accept", func(c *gin.Context) {
		id, err := s.core.AcceptOffer(context.WithoutCancel(c.Request.Context()), c.Param("id"))
		s.respondID(c, id, err)
	})
	api.POST("/offers/:id/reject", func(c *gin.Context) {
		s.respond(c, s.core.RejectOffer(c.Param("id")))
	})
	api.POST("/chats/:id/lines", func(c *gin.Context) {
		var req chatLineRequest
		if !bind(c, &req) {
			return
		}
		s.respond(c, s.core.SendChatLine(c.Param("id"), req.Line))
	})
	api.POST("/transfers/:id/cancel", func(c *gin.Context) {
		s.respond(c, s.core.CancelTransfer(c.Param("id")))
	})
}

// getState returns the current snapshot. With ?since=N it waits, up to
// ?wait or the configured maximum, for a version newer than N.
func (s *Server) getState(c *gin.Context) {
	snap := s.core.Snapshot()
	sinceRaw := c.Query("since")
	if sinceRaw == "" {
		c.JSON(http.StatusOK, snap)
		return
	}
	since, err := strconv.ParseUint(sinceRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a version number"})
		return
	}
	wait := s.cfg.MaxWait
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a duration"})
			return
		}
		wait = min(d, s.cfg.MaxWait)
	}

	changes, unsub := s.core.Subscribe()
	defer unsub()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		snap = s.core.Snapshot()
		if snap.Version > since {
			c.JSON(http.StatusOK, snap)
			return
		}
		select {
		case <-changes:
		case <-timer.C:
			c.JSON(http.StatusOK, snap)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) respond(c *gin.Context, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) respondID(c *gin.Context, id string, err error) {
	if err != nil {
		body := gin.H{"error": err.Error()}
		if id != "" {
			body["id"] = id
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ok", "id": id})
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Str("path", c.FullPath()).Err(err).Msg("api.request failed")
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  lifecycle.KindOf(err).String(),
	})
}

// statusFor maps an intent error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownNetwork),
		errors.Is(err, core.ErrUnknownBuffer),
		errors.Is(err, transfer.ErrUnknownOffer),
		errors.Is(err, transfer.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ircwire.ErrUnknownCommand),
		errors.Is(err, ircwire.ErrMissingArgs),
		errors.Is(err, ircwire.ErrInvalidLine):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotConnected),
		errors.Is(err, transfer.ErrChatPending):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch lifecycle.KindOf(err) {
	case lifecycle.KindConfiguration:
		return http.StatusBadRequest
	case lifecycle.KindConnectivity:
		return http.StatusServiceUnavailable
	case lifecycle.KindTransport, lifecycle.KindProtocol:
		return http.StatusBadGateway
	case lifecycle.KindTransfer:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// authenticate enforces the bearer token when a validator is configured.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Validator == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || s.cfg.Validator.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}
