package relay

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.cfg.VAPIDKeys.PublicKey,
	})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.store.ReplaceSubscription(userID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		h.logger.Error("push subscribe failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}

	h.logger.Info("push subscription stored", "user_id", userID, "subscription_id", sub.ID)
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.DeleteSubscription(userID, req.Endpoint); err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed"})
}

// notifyIncomingCall pushes an offline ring notification to every stored
// subscription of the callee. Subscriptions the push service reports as gone
// are deleted.
func (h *Handlers) notifyIncomingCall(userID, callerName, kind, callID string) {
	subs, err := h.store.Subscriptions(userID)
	if err != nil {
		h.logger.Error("push subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	title := "Incoming call"
	body := callerName + " is calling you"
	if kind == "video" {
		body = callerName + " is video calling you"
	}

	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    body,
		"urgency": "high",
		"data": map[string]string{
			"call_id": callID,
			"kind":    kind,
		},
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		if !validSubscriptionKeys(sub.P256DH, sub.Auth) {
			h.logger.Warn("push subscription has invalid keys, deleting", "subscription_id", sub.ID)
			h.store.DeleteSubscriptionByID(sub.ID)
			continue
		}

		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: strings.TrimSpace(sub.P256DH),
				Auth:   strings.TrimSpace(sub.Auth),
			},
		}, &webpush.Options{
			Subscriber:      h.cfg.VAPIDKeys.Subject,
			VAPIDPublicKey:  h.cfg.VAPIDKeys.PublicKey,
			VAPIDPrivateKey: h.cfg.VAPIDKeys.PrivateKey,
			TTL:             30,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			h.logger.Warn("push send failed", "user_id", userID, "subscription_id", sub.ID, "error", err)
			continue
		}

		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			h.logger.Info("push subscription expired, deleting", "subscription_id", sub.ID, "status", resp.StatusCode)
			h.store.DeleteSubscriptionByID(sub.ID)
		}
		resp.Body.Close()
	}
}

// validSubscriptionKeys checks the browser-supplied keys decode to the sizes
// web push requires: a 65-byte uncompressed P-256 point and 16 auth bytes.
func validSubscriptionKeys(p256dh, auth string) bool {
	p256dhBytes, ok := decodeBase64Loose(strings.TrimSpace(p256dh))
	if !ok || len(p256dhBytes) != 65 || p256dhBytes[0] != 0x04 {
		return false
	}
	authBytes, ok := decodeBase64Loose(strings.TrimSpace(auth))
	if !ok || len(authBytes) != 16 {
		return false
	}
	return true
}

// decodeBase64Loose accepts URL-safe base64 with or without padding, and
// falls back to standard base64. Browsers are not consistent here.
func decodeBase64Loose(s string) ([]byte, bool) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}
