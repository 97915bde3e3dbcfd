package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const pushoverURL = "https://api.pushover.net/1/messages.json"

// PushoverConfig configures a Pushover channel.
type PushoverConfig struct {
	APIToken string `mapstructure:"api_token"`
	UserKey  string `mapstructure:"user_key"`
	// APIURL overrides the Pushover messages endpoint.
	APIURL string `mapstructure:"api_url"`
}

// PushoverChannel sends alerts through Pushover.
type PushoverChannel struct {
	cfg    PushoverConfig
	client *http.Client
}

func NewPushoverChannel(cfg PushoverConfig) *PushoverChannel {
	if cfg.APIURL == "" {
		cfg.APIURL = pushoverURL
	}
	return &PushoverChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PushoverChannel) Type() string {
	return "pushover"
}

func (p *PushoverChannel) Send(ctx context.Context, msg *Message) error {
	data := url.Values{
		"token":   {p.cfg.APIToken},
		"user":    {p.cfg.UserKey},
		"title":   {msg.Title},
		"message": {msg.Body},
	}

	switch msg.Priority {
	case PriorityLow:
		data.Set("priority", "-1")
	case PriorityNormal:
		data.Set("priority", "0")
	case PriorityHigh:
		data.Set("priority", "1")
	case PriorityUrgent:
		// Emergency priority repeats until acknowledged.
		data.Set("priority", "2")
		data.Set("retry", "60")
		data.Set("expire", "3600")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pushover returned status %d", resp.StatusCode)
	}
	return nil
}
