package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

const defaultSlackBaseURL = "https://slack.com/api"

// SlackConfig configures the Slack approval channel.
type SlackConfig struct {
	BotToken string `koanf:"bot_token" json:"-"`
	Channel  string `koanf:"channel" json:"channel"`
	BaseURL  string `koanf:"base_url" json:"base_url,omitempty"`
}

// SlackApprovalChannel posts evidence approval requests to a Slack
// channel. The message handle is "<channel>:<ts>", the pair chat.update
// needs to address the original message.
type SlackApprovalChannel struct {
	token      string
	channel    string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewSlackApprovalChannel creates the Slack approval channel.
func NewSlackApprovalChannel(cfg SlackConfig, logger *logging.Logger) (*SlackApprovalChannel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack channel required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultSlackBaseURL
	}

	return &SlackApprovalChannel{
		token:      cfg.BotToken,
		channel:    cfg.Channel,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: connectorTimeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 3), // Slack tier limits are per-minute
		logger:     logger.Named("slack"),
	}, nil
}

type slackMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	TS      string `json:"ts,omitempty"`
}

type slackMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// PostRequest posts the approval request and returns the message handle.
func (c *SlackApprovalChannel) PostRequest(ctx context.Context, req ApprovalRequest) (string, error) {
	text := fmt.Sprintf("Evidence ready for review\n*Check:* %s\n*File:* %s\n*Source:* %s\n*Validation score:* %.2f\nReply with approve / reject / request changes.",
		req.CheckName, req.FileName, req.Source, req.Score)

	resp, err := c.callAPI(ctx, "chat.postMessage", slackMessageRequest{
		Channel: c.channel,
		Text:    text,
	})
	if err != nil {
		return "", err
	}
	return c.channel + ":" + resp.TS, nil
}

// UpdateRequest annotates the original message with the decision.
func (c *SlackApprovalChannel) UpdateRequest(ctx context.Context, handle, decision, notes string) error {
	channel, ts, ok := strings.Cut(handle, ":")
	if !ok {
		return fmt.Errorf("malformed message handle: %s", handle)
	}

	text := fmt.Sprintf("Review decision: *%s*", decision)
	if notes != "" {
		text += "\n" + notes
	}

	_, err := c.callAPI(ctx, "chat.update", slackMessageRequest{
		Channel: channel,
		TS:      ts,
		Text:    text,
	})
	return err
}

func (c *SlackApprovalChannel) callAPI(ctx context.Context, method string, payload slackMessageRequest) (*slackMessageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+method, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("slack API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(body))
	}

	var apiResp slackMessageResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	// Slack reports application errors with HTTP 200 and ok=false.
	if !apiResp.OK {
		return nil, fmt.Errorf("slack API error: %s", apiResp.Error)
	}
	return &apiResp, nil
}

var _ ApprovalChannel = (*SlackApprovalChannel)(nil)
