package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

type NotifierFunc func(ctx context.Context, request Request) error

func (f NotifierFunc) NotifyApproval(ctx context.Context, request Request) error {
	return f(ctx, request)
}

// LogNotifier prints the approval link to the log. BaseURL is the public
// address of the http api.
type LogNotifier struct {
	Logger  hclog.Logger
	BaseURL string
}

func (n LogNotifier) NotifyApproval(ctx context.Context, request Request) error {
	n.Logger.Info("approval required",
		"pipeline", request.Pipeline,
		"run", request.RunID,
		"stage", request.Stage,
		"message", request.Message,
		"url", fmt.Sprintf("%s/runs/%s/approvals/%s?token=%s", n.BaseURL, request.RunID, request.Stage, request.Token),
	)
	return nil
}

// WebhookNotifier posts the request as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) NotifyApproval(ctx context.Context, request Request) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("error encoding approval request - %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating approval notification - %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending approval notification - %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("approval notification rejected with status %s", resp.Status)
	}
	return nil
}

// Notifiers fans a request out to several notifiers, collecting all errors.
type Notifiers []Notifier

func (n Notifiers) NotifyApproval(ctx context.Context, request Request) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.NotifyApproval(ctx, request); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d notifiers failed - %v", len(errs), len(n), errs)
	}
	return nil
}
