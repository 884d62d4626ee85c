package topdesk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"meldhub/core/store"
	"meldhub/core/utils"
)

// APIError carries the provider's response so callers can log what the
// ticketing system actually objected to.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	var parsed []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(e.Body), &parsed); err == nil && len(parsed) > 0 && parsed[0].Message != "" {
		return fmt.Sprintf("topdesk: %s (status %d)", parsed[0].Message, e.StatusCode)
	}
	return fmt.Sprintf("topdesk: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	httpClient *http.Client
	logger     *utils.Logger
}

func NewClient(timeout time.Duration, logger *utils.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func (c *Client) call(ctx context.Context, settings *store.TopdeskSettings, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, settings.APIURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", basicAuth(settings.Username, settings.Password))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if !statusOK(method, resp.StatusCode) {
		if c.logger != nil {
			c.logger.Printf("topdesk %s %s -> %d: %s", method, path, resp.StatusCode, string(data))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func statusOK(method string, code int) bool {
	switch method {
	case http.MethodGet:
		return code == http.StatusOK || code == http.StatusNoContent || code == http.StatusPartialContent
	case http.MethodPost:
		return code == http.StatusCreated
	default:
		return code >= 200 && code < 300
	}
}
