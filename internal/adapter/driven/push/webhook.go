package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/piatok/piatok/internal/core/domain"
)

// WebhookNotifier forwards incoming-call events to the external push
// delivery service (FCM relay) over a plain webhook. Registration of push
// tokens and the actual delivery are that service's problem.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *WebhookNotifier) NotifyIncomingCall(ctx context.Context, callee domain.UserID, call domain.PendingCall) error {
	payload := struct {
		UserID     domain.UserID `json:"userId"`
		CallID     domain.CallID `json:"callId"`
		CallerID   domain.UserID `json:"callerId"`
		CallerName string        `json:"callerName"`
	}{
		UserID:     callee,
		CallID:     call.CallID,
		CallerID:   call.CallerID,
		CallerName: call.CallerName,
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push webhook: status %s", resp.Status)
	}
	return nil
}

// NoopNotifier is used when no push service is configured; offline callees
// then rely solely on the REST pending-call poll.
type NoopNotifier struct{}

func (NoopNotifier) NotifyIncomingCall(context.Context, domain.UserID, domain.PendingCall) error {
	return nil
}
