package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NtfyConfig configures an ntfy channel.
type NtfyConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Topic     string `mapstructure:"topic"`
	Token     string `mapstructure:"token"`
}

// NtfyChannel publishes alerts to an ntfy topic.
type NtfyChannel struct {
	serverURL string
	topic     string
	token     string
	client    *http.Client
}

// NewNtfyChannel returns a channel for cfg; the server defaults to ntfy.sh.
func NewNtfyChannel(cfg NtfyConfig) *NtfyChannel {
	serverURL := cfg.ServerURL
	if serverURL == "" {
		serverURL = "https://ntfy.sh"
	}
	return &NtfyChannel{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		topic:     cfg.Topic,
		token:     cfg.Token,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *NtfyChannel) Type() string {
	return "ntfy"
}

var ntfyPriority = map[Priority]int{
	PriorityLow:    2,
	PriorityNormal: 3,
	PriorityHigh:   4,
	PriorityUrgent: 5,
}

func (n *NtfyChannel) Send(ctx context.Context, msg *Message) error {
	payload := map[string]any{
		"topic":    n.topic,
		"title":    msg.Title,
		"message":  msg.Body,
		"priority": ntfyPriority[msg.Priority],
	}
	if len(msg.Tags) > 0 {
		payload["tags"] = msg.Tags
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	// JSON publishing posts to the server root and names the topic in the body.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.serverURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
