package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts to Slack, either through an incoming webhook or the
// chat.postMessage Web API with a bot token.
type SlackSender struct {
	webhookURL string
	botToken   string
	channelID  string
	apiURL     string
	httpClient *http.Client
}

// NewSlackSender creates a Slack notification sender.
//
// Supported config keys:
//   - webhook_url: incoming webhook URL
//   - token, channel_id: bot token and channel for chat.postMessage
//
// One of webhook_url or token+channel_id is required.
func NewSlackSender(cfg map[string]string) (*SlackSender, error) {
	s := &SlackSender{
		webhookURL: cfg["webhook_url"],
		botToken:   cfg["token"],
		channelID:  cfg["channel_id"],
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	switch {
	case s.webhookURL != "":
		if err := validateURL(s.webhookURL); err != nil {
			return nil, fmt.Errorf("slack webhook_url: %w", err)
		}
	case s.botToken == "" || s.channelID == "":
		return nil, fmt.Errorf("slack requires webhook_url or token and channel_id")
	}
	return s, nil
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}

	if s.webhookURL != "" {
		body, _ := json.Marshal(map[string]any{"text": text})
		return post(ctx, s.httpClient, s.webhookURL, body)
	}

	body, _ := json.Marshal(map[string]any{
		"channel": s.channelID,
		"text":    text,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack returns 200 even on errors; check the "ok" field.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}
