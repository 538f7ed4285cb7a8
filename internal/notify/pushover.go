package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultPushoverEndpoint = "https://api.pushover.net/1/messages.json"
	pushoverContentType     = "application/x-www-form-urlencoded"
	pushoverHTTPTimeout     = 10 * time.Second
)

// PushoverConfig describes the credentials and defaults for Pushover
// delivery.
type PushoverConfig struct {
	// Token is the application API token.
	Token string
	// UserKey is the destination user key.
	UserKey string
	// Priority is the Pushover priority value for messages.
	Priority int
	// Cooldown is the minimum interval between notifications per alert key.
	Cooldown time.Duration
	// Endpoint overrides the API endpoint; empty means the public API.
	Endpoint string
}

// Pushover sends notifications to the Pushover service, de-duplicated per
// alert key within a cooldown window.
type Pushover struct {
	cfg      PushoverConfig
	endpoint string
	client   *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewPushover creates a notifier using the supplied config.
func NewPushover(cfg PushoverConfig) (*Pushover, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("pushover token is required")
	}
	if strings.TrimSpace(cfg.UserKey) == "" {
		return nil, fmt.Errorf("pushover user key is required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("pushover cooldown must be non-negative")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultPushoverEndpoint
	}

	return &Pushover{
		cfg:      cfg,
		endpoint: endpoint,
		client:   &http.Client{Timeout: pushoverHTTPTimeout},
		lastSent: make(map[string]time.Time),
	}, nil
}

// Notify sends a notification if it passes the cooldown check.
func (n *Pushover) Notify(ctx context.Context, msg Message) error {
	alertKey := strings.TrimSpace(msg.AlertKey)
	if alertKey == "" {
		return fmt.Errorf("alert key is required")
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return fmt.Errorf("message body is required")
	}

	now := time.Now()
	n.mu.Lock()
	if last, ok := n.lastSent[alertKey]; ok && n.cfg.Cooldown > 0 && now.Sub(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.send(ctx, msg.Title, body); err != nil {
		return err
	}

	n.mu.Lock()
	n.lastSent[alertKey] = now
	n.mu.Unlock()
	return nil
}

func (n *Pushover) send(ctx context.Context, title, body string) error {
	form := url.Values{}
	form.Set("token", n.cfg.Token)
	form.Set("user", n.cfg.UserKey)
	form.Set("message", body)
	if title = strings.TrimSpace(title); title != "" {
		form.Set("title", title)
	}
	if n.cfg.Priority != 0 {
		form.Set("priority", fmt.Sprintf("%d", n.cfg.Priority))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover request build failed: %w", err)
	}
	req.Header.Set("Content-Type", pushoverContentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pushover response read failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("pushover response %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}
