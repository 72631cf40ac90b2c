package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"

	"github.com/NovaMesh/novalink-client/pkg/network"
)

// HealthResponse reports liveness of the control API and the channel state.
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	State   string `json:"state"`
}

// SessionStatusResponse is the full channel snapshot.
type SessionStatusResponse struct {
	Success     bool           `json:"success"`
	Established bool           `json:"established"`
	Stats       map[string]any `json:"stats"`
}

// SendMessageRequest submits one application payload over the channel.
type SendMessageRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// SendMessageResponse reports the outcome of a message submission.
type SendMessageResponse struct {
	Success bool `json:"success"`
	Queued  bool `json:"queued"`
}

// IdentityResponse exposes the node's public identity.
type IdentityResponse struct {
	Success   bool   `json:"success"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Success: true,
		Status:  "ok",
		State:   s.client.State().String(),
	})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, SessionStatusResponse{
		Success:     true,
		Established: s.client.IsEstablished(),
		Stats:       s.client.Stats(),
	})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	queued, err := s.client.Send(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "Send failed",
			Message: err.Error(),
		})
		return
	}

	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	c.JSON(status, SendMessageResponse{Success: true, Queued: queued})
}

func (s *Server) handleConnect(c *gin.Context) {
	err := s.client.Connect()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "session established"})
	case errors.Is(err, network.ErrAlreadyConnecting):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Connect already in progress",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "Connect failed",
			Message: err.Error(),
		})
	}
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.client.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Disconnect failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "disconnected"})
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.client.Reconnect(); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "Reconnect failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "session re-established"})
}

func (s *Server) handleIdentity(c *gin.Context) {
	kp, err := s.identity.SigningKeypair()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Identity unavailable",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, IdentityResponse{
		Success:   true,
		PublicKey: base58.Encode(kp.PublicKey),
	})
}
