package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loqui-app/callkit/internal/config"
	"github.com/loqui-app/callkit/internal/turn"
)

type Handlers struct {
	cfg        *config.Config
	store      *Store
	hub        *Hub
	turnServer *turn.Server
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
	nowFn      func() time.Time
}

func New(cfg *config.Config, store *Store, hub *Hub, turnServer *turn.Server, upgrader websocket.Upgrader, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		turnServer: turnServer,
		wsUpgrader: upgrader,
		logger:     logger,
		nowFn:      time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required,min=3,max=100"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.store.EnsureUser(req.Username)
	if err != nil {
		h.logger.Error("login failed", "username", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Token: h.generateToken(user.ID),
		User:  *user,
	})
}

func (h *Handlers) GetMe(c *gin.Context) {
	userID := c.GetString("user_id")
	user, err := h.store.GetUser(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

type createCallRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Kind       string `json:"kind" binding:"required,oneof=audio video"`
}

type createCallResponse struct {
	CallID     string `json:"call_id"`
	Room       string `json:"room"`
	Token      string `json:"token"`
	ServerURL  string `json:"server_url"`
	PeerIsHost bool   `json:"peer_is_host"`
}

// CreateCall opens a call record and hands the caller a media credential.
// The wallet gate is re-checked here so a stale client cannot dial past it.
func (h *Handlers) CreateCall(c *gin.Context) {
	callerID := c.GetString("user_id")

	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ReceiverID == callerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot call yourself"})
		return
	}

	callee, err := h.store.GetUser(req.ReceiverID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	coins, err := h.store.WalletCoins(callerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if coins < h.rate(req.Kind) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
		return
	}

	record, err := h.store.CreateCall(callerID, req.ReceiverID, req.Kind)
	if err != nil {
		h.logger.Error("create call failed", "caller_id", callerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	h.logger.Info("call created",
		"call_id", record.ID, "caller_id", callerID, "callee_id", req.ReceiverID, "kind", req.Kind)

	c.JSON(http.StatusCreated, createCallResponse{
		CallID:     record.ID,
		Room:       record.Room,
		Token:      h.mediaToken(record.Room, callerID),
		ServerURL:  h.cfg.MediaServerURL,
		PeerIsHost: callee.IsHost,
	})
}

type callStatusRequest struct {
	Status          string `json:"status" binding:"required,oneof=completed rejected missed"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// UpdateCallStatus records the terminal outcome. A completed call debits the
// caller's wallet by the per-minute rate, rounding the duration up. Only the
// first report takes effect.
func (h *Handlers) UpdateCallStatus(c *gin.Context) {
	userID := c.GetString("user_id")
	callID := c.Param("call_id")

	var req callStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.store.GetCall(callID)
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if userID != record.CallerID && userID != record.CalleeID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return
	}
	if record.Status != CallStatusInitiated {
		c.JSON(http.StatusOK, record)
		return
	}

	// Cost is computed here, charged inside FinishCall's transaction so a
	// concurrent report from the other participant cannot double-debit.
	var cost int64
	if CallStatus(req.Status) == CallStatusCompleted && req.DurationSeconds > 0 {
		minutes := (req.DurationSeconds + 59) / 60
		cost = minutes * h.rate(record.Kind)
	}

	updated, err := h.store.FinishCall(callID, CallStatus(req.Status), req.DurationSeconds, cost)
	if err != nil {
		h.logger.Error("finish call failed", "call_id", callID, "caller_id", record.CallerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	h.logger.Info("call finished",
		"call_id", callID, "status", updated.Status,
		"duration_seconds", updated.DurationSeconds, "coins_charged", updated.CoinsCharged)

	c.JSON(http.StatusOK, updated)
}

type balanceResponse struct {
	HasBalance bool  `json:"has_balance"`
	Coins      int64 `json:"coins"`
	Rate       int64 `json:"rate"`
}

// GetBalance reports whether the wallet covers at least one minute of the
// requested call kind.
func (h *Handlers) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")
	kind := c.DefaultQuery("kind", "audio")
	if kind != "audio" && kind != "video" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
		return
	}

	coins, err := h.store.WalletCoins(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	rate := h.rate(kind)
	c.JSON(http.StatusOK, balanceResponse{
		HasBalance: coins >= rate,
		Coins:      coins,
		Rate:       rate,
	})
}

func (h *Handlers) GetCallHistory(c *gin.Context) {
	userID := c.GetString("user_id")
	records, err := h.store.CallHistory(userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

func (h *Handlers) rate(kind string) int64 {
	if kind == "video" {
		return h.cfg.VideoRate
	}
	return h.cfg.AudioRate
}

// GetTURNConfig returns the ICE server list for the embedded TURN server.
// TURN servers answer STUN too, so both URLs point at the same port.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.GetCredentials()
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.cfg.TURNPort)
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.cfg.TURNPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{"urls": stunURL},
			{"urls": turnURL, "username": creds.Username, "credential": creds.Password},
		},
	})
}
