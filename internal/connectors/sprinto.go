package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

const defaultSprintoBaseURL = "https://app.sprinto.com"

// SprintoConfig configures the Sprinto GRC client.
type SprintoConfig struct {
	APIKey  string `koanf:"api_key" json:"-"`
	BaseURL string `koanf:"base_url" json:"base_url,omitempty"`
}

// SprintoClient files approved evidence with Sprinto.
type SprintoClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewSprintoClient creates a Sprinto client.
func NewSprintoClient(cfg SprintoConfig, logger *logging.Logger) (*SprintoClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sprinto API key required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultSprintoBaseURL
	}

	return &SprintoClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: connectorTimeout},
		limiter:    rate.NewLimiter(rate.Limit(2), defaultSprintoBurst),
		logger:     logger.Named("sprinto"),
	}, nil
}

const defaultSprintoBurst = 3

type sprintoSubmitResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// SubmitEvidence files one evidence item and returns the submission id.
func (c *SprintoClient) SubmitEvidence(ctx context.Context, submission EvidenceSubmission) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}
	if submission.CheckID == "" {
		return "", fmt.Errorf("check id required")
	}

	jsonData, err := json.Marshal(submission)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/evidence", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sprinto API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sprinto API returned %d: %s", resp.StatusCode, string(body))
	}

	var apiResp sprintoSubmitResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.ID == "" {
		return "", fmt.Errorf("sprinto response missing submission id")
	}

	c.logger.Info(ctx, "evidence submitted",
		zap.String("check_id", submission.CheckID),
		zap.String("submission_id", apiResp.ID))
	return apiResp.ID, nil
}

var _ TicketingSystem = (*SprintoClient)(nil)
