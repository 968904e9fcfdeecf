// Package callapi is the REST client for the relay's call endpoints. It
// implements the API surface the call orchestrator consumes.
package callapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loqui-app/callkit/pkg/call"
)

// Config configures a Client. BaseURL and Token are required.
type Config struct {
	// BaseURL is the relay's HTTP root, e.g. "https://relay.example.com".
	BaseURL string
	// Token is the bearer JWT issued at login.
	Token string
	// Timeout bounds every request. Zero means 10s.
	Timeout time.Duration
}

// Client talks to the relay REST API. Safe for concurrent use.
type Client struct {
	http *resty.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.Token).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

type initiateRequest struct {
	ReceiverID string `json:"receiver_id"`
	Kind       string `json:"kind"`
}

type initiateResponse struct {
	CallID     string `json:"call_id"`
	Room       string `json:"room"`
	Token      string `json:"token"`
	ServerURL  string `json:"server_url"`
	PeerIsHost bool   `json:"peer_is_host"`
}

// Initiate creates a call record and returns a fresh media credential.
func (c *Client) Initiate(ctx context.Context, receiverID string, kind call.Kind) (call.Initiation, error) {
	var out initiateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(initiateRequest{ReceiverID: receiverID, Kind: string(kind)}).
		SetResult(&out).
		Post("/api/calls")
	if err != nil {
		return call.Initiation{}, fmt.Errorf("callapi: initiate: %w", err)
	}
	if resp.IsError() {
		return call.Initiation{}, fmt.Errorf("callapi: initiate: status %d: %s", resp.StatusCode(), resp.String())
	}
	return call.Initiation{
		CallID:     out.CallID,
		Room:       out.Room,
		Token:      out.Token,
		ServerURL:  out.ServerURL,
		PeerIsHost: out.PeerIsHost,
	}, nil
}

type statusRequest struct {
	Status          string `json:"status"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// UpdateStatus reports the terminal outcome of a call. The relay debits the
// wallet from the reported duration when the status is completed.
func (c *Client) UpdateStatus(ctx context.Context, callID string, status call.FinalStatus, duration time.Duration) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(statusRequest{
			Status:          string(status),
			DurationSeconds: int64(duration / time.Second),
		}).
		Post("/api/calls/" + callID + "/status")
	if err != nil {
		return fmt.Errorf("callapi: update status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("callapi: update status: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type balanceResponse struct {
	HasBalance bool  `json:"has_balance"`
	Coins      int64 `json:"coins"`
	Rate       int64 `json:"rate"`
}

// CheckBalance asks whether the wallet covers at least one minute of the
// given call kind.
func (c *Client) CheckBalance(ctx context.Context, kind call.Kind) (call.Balance, error) {
	var out balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("kind", string(kind)).
		SetResult(&out).
		Get("/api/balance")
	if err != nil {
		return call.Balance{}, fmt.Errorf("callapi: balance: %w", err)
	}
	if resp.IsError() {
		return call.Balance{}, fmt.Errorf("callapi: balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return call.Balance{HasBalance: out.HasBalance, Coins: out.Coins, Rate: out.Rate}, nil
}
