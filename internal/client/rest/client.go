package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/piatok/piatok/internal/core/domain"
)

// Client covers the two REST fallbacks the signaling server exposes: the
// Friday balance read and the pending-call poll used on reconnect/resume.
type Client struct {
	BaseURL string
	UserID  domain.UserID
	HTTP    *http.Client
}

func NewClient(baseURL string, userID domain.UserID) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		UserID:  userID,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.UserID.String())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// FridayBalance fetches the caller's remaining Friday minutes.
func (c *Client) FridayBalance(ctx context.Context) (int, error) {
	var data struct {
		TotalMinutes int `json:"totalMinutes"`
	}
	url := fmt.Sprintf("%s/friday/balance/%s", c.BaseURL, c.UserID)
	if err := c.getJSON(ctx, url, &data); err != nil {
		return 0, err
	}
	return data.TotalMinutes, nil
}

// PendingCall polls for a ring that may have been missed while the channel
// was reconnecting. Returns nil when there is none.
func (c *Client) PendingCall(ctx context.Context) (*domain.PendingCall, error) {
	var data struct {
		Pending *domain.PendingCall `json:"pending"`
	}
	if err := c.getJSON(ctx, c.BaseURL+"/calls/pending", &data); err != nil {
		return nil, err
	}
	return data.Pending, nil
}
