package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

const (
	defaultGraphBaseURL      = "https://graph.microsoft.com/v1.0"
	defaultGraphAuthorityURL = "https://login.microsoftonline.com"
	graphDefaultScope        = "https://graph.microsoft.com/.default"
)

// OneDriveConfig configures the OneDrive connector. Tenant and client
// credentials drive the client-credentials grant; AccessToken is a
// fallback for pre-minted tokens. AuthorityURL covers national clouds
// with their own login endpoints.
type OneDriveConfig struct {
	TenantID     string `koanf:"tenant_id" json:"tenant_id,omitempty"`
	ClientID     string `koanf:"client_id" json:"client_id,omitempty"`
	ClientSecret string `koanf:"client_secret" json:"-"`
	AccessToken  string `koanf:"access_token" json:"-"`
	AuthorityURL string `koanf:"authority_url" json:"authority_url,omitempty"`
	BaseURL      string `koanf:"base_url" json:"base_url,omitempty"`
}

// OneDriveConnector scans OneDrive folders via the Microsoft Graph
// drive-items API. Folder paths are drive-relative paths like
// "Compliance/Audit 2026".
type OneDriveConnector struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewOneDriveConnector creates a OneDrive connector.
func NewOneDriveConnector(cfg OneDriveConfig, logger *logging.Logger) (*OneDriveConnector, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	httpClient, err := graphHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &OneDriveConnector{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(connectorRateLimit), connectorBurst),
		logger:     logger.Named("onedrive"),
	}, nil
}

// graphHTTPClient builds the authenticating client. Tenant credentials
// get a self-refreshing client-credentials token source; a bare access
// token is wrapped in a static source. The identity platform expects
// the client id and secret in the form body.
func graphHTTPClient(cfg OneDriveConfig) (*http.Client, error) {
	var client *http.Client
	switch {
	case cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "":
		authority := cfg.AuthorityURL
		if authority == "" {
			authority = defaultGraphAuthorityURL
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     authority + "/" + cfg.TenantID + "/oauth2/v2.0/token",
			Scopes:       []string{graphDefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		client = cc.Client(context.Background())
	case cfg.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
		client = oauth2.NewClient(context.Background(), ts)
	default:
		return nil, fmt.Errorf("onedrive credentials required")
	}

	client.Timeout = connectorTimeout
	return client, nil
}

func (c *OneDriveConnector) ID() string {
	return "onedrive"
}

type driveItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

type driveItemList struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// Scan lists the folder's children and filters them by the scan options
// client-side. Subfolders are not descended into.
func (c *OneDriveConnector) Scan(ctx context.Context, folderPath string, opts ScanOptions) (*ScanResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	result := &ScanResult{Files: []FileInfo{}}
	now := time.Now()

	next := c.childrenURL(folderPath)
	for next != "" {
		list, err := c.listPage(ctx, next)
		if err != nil {
			return nil, err
		}

		for _, item := range list.Value {
			if item.Folder != nil {
				continue
			}
			if !matchesPatterns(item.Name, opts.Patterns) {
				continue
			}
			modified, _ := time.Parse(time.RFC3339, item.LastModifiedDateTime)
			if !withinAge(modified, opts.MaxAgeDays, now) {
				continue
			}
			info := FileInfo{
				ID:           item.ID,
				Name:         item.Name,
				Size:         item.Size,
				ModifiedTime: modified,
				Path:         folderPath + "/" + item.Name,
			}
			if item.File != nil {
				info.MimeType = item.File.MimeType
			}
			result.Files = append(result.Files, info)
			result.TotalSize += item.Size
		}

		next = list.NextLink
	}

	c.logger.Debug(ctx, "onedrive scan finished",
		zap.String("folder", folderPath),
		zap.Int("files", len(result.Files)),
		zap.Int64("total_size", result.TotalSize))
	return result, nil
}

func (c *OneDriveConnector) childrenURL(folderPath string) string {
	trimmed := strings.Trim(folderPath, "/")
	if trimmed == "" {
		return c.baseURL + "/me/drive/root/children"
	}
	segments := strings.Split(trimmed, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.baseURL + "/me/drive/root:/" + strings.Join(segments, "/") + ":/children"
}

func (c *OneDriveConnector) listPage(ctx context.Context, pageURL string) (*driveItemList, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: graph API returned %d: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	}

	var list driveItemList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &list, nil
}

// Download fetches the drive item's content into destDir.
func (c *OneDriveConnector) Download(ctx context.Context, file FileInfo, destDir string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/me/drive/items/"+url.PathEscape(file.ID)+"/content", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: graph API returned %d: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	}

	return writeDownload(destDir, file.Name, resp.Body)
}

var (
	_ SourceConnector = (*OneDriveConnector)(nil)
	_ Downloader      = (*OneDriveConnector)(nil)
)
