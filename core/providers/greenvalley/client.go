package greenvalley

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meldhub/core/store"
	"meldhub/core/utils"
)

// Gateway tokens are valid for 15 minutes; refresh one minute early.
const tokenLifetime = 14 * time.Minute

type Client struct {
	httpClient *http.Client
	logger     *utils.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	accessToken string
	fetchedAt   time.Time
}

func NewClient(timeout time.Duration, logger *utils.Logger) *Client {
	if timeout <= 0 {
		timeout = 55 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tokens:     map[string]cachedToken{},
	}
}

// callCase talks to the suite web service with basic auth and an XML
// body. Only 200 and 201 count as success; a 500 almost always means a
// misconfigured type id, so the error says so.
func (c *Client) callCase(ctx context.Context, settings *store.GreenValleySettings, method, path string, body []byte) ([]byte, error) {
	endpoint := strings.TrimRight(settings.BaseURL, "/") + "/suite-webservice/ws/rest" + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(settings.Username+":"+settings.Password)))
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if c.logger != nil {
			c.logger.Printf("green valley %s %s -> %d: %s", method, path, resp.StatusCode, string(data))
		}
		if resp.StatusCode == http.StatusInternalServerError {
			return nil, fmt.Errorf("green valley: status 500 for %s (is the type_id configured correctly?)", path)
		}
		return nil, fmt.Errorf("green valley: status %d for %s", resp.StatusCode, path)
	}
	return data, nil
}

func (c *Client) gatewayToken(ctx context.Context, settings *store.GreenValleySettings) (string, error) {
	key := settings.GatewayClientID + "--" + settings.Realm
	c.mu.Lock()
	cached, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < tokenLifetime {
		return cached.accessToken, nil
	}

	endpoint := strings.TrimRight(settings.GatewayURL, "/") + "/external/authorization/intercept/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	creds := fmt.Sprintf("%s--%s:%s", settings.GatewayClientID, settings.Realm, settings.GatewayClientSecret)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("green valley gateway: token request failed with status %d", resp.StatusCode)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tokens[key] = cachedToken{accessToken: token.AccessToken, fetchedAt: time.Now()}
	c.mu.Unlock()
	return token.AccessToken, nil
}

// callGateway hits the notification API with a bearer token obtained
// through the client-credentials flow.
func (c *Client) callGateway(ctx context.Context, settings *store.GreenValleySettings, path string, params url.Values) (json.RawMessage, error) {
	token, err := c.gatewayToken(ctx, settings)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(settings.GatewayURL, "/") + "/external/api/v1" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if c.logger != nil {
			c.logger.Printf("green valley gateway GET %s -> %d: %s", path, resp.StatusCode, string(data))
		}
		return nil, fmt.Errorf("green valley gateway: status %d for %s", resp.StatusCode, path)
	}
	return json.RawMessage(data), nil
}
