package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"meldhub/config"
)

type Message struct {
	UserID     string
	IncidentID string
	Text       string
}

// Notifier delivers an incident update to the reporting user's
// conversation on the messaging platform.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

type HTTPNotifier struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewHTTPNotifier(cfg config.NotifyConfig) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
	}
}

func (n *HTTPNotifier) Send(ctx context.Context, msg Message) error {
	if n.endpoint == "" {
		return errors.New("notify endpoint not configured")
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return errors.New("notification has no recipient")
	}
	body := map[string]any{
		"user_id":     msg.UserID,
		"incident_id": msg.IncidentID,
		"message":     msg.Text,
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/messages", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", n.apiKey)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notify api status %d", resp.StatusCode)
}
