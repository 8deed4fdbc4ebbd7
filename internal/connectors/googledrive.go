package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

const (
	defaultDriveBaseURL = "https://www.googleapis.com"
	driveReadonlyScope  = "https://www.googleapis.com/auth/drive.readonly"
	connectorTimeout    = 30 * time.Second
	connectorRateLimit  = 10.0 // requests per second
	connectorBurst      = 5
	drivePageSize       = 100
)

// GoogleDriveConfig configures the Drive connector. CredentialsJSON
// holds a service-account key; AccessToken is a fallback for
// pre-minted tokens.
type GoogleDriveConfig struct {
	CredentialsJSON string `koanf:"credentials_json" json:"-"`
	AccessToken     string `koanf:"access_token" json:"-"`
	BaseURL         string `koanf:"base_url" json:"base_url,omitempty"`
}

// GoogleDriveConnector scans Google Drive folders via the Drive v3 files
// API. Folder paths are Drive folder ids.
type GoogleDriveConnector struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewGoogleDriveConnector creates a Drive connector.
func NewGoogleDriveConnector(cfg GoogleDriveConfig, logger *logging.Logger) (*GoogleDriveConnector, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultDriveBaseURL
	}
	httpClient, err := driveHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &GoogleDriveConnector{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(connectorRateLimit), connectorBurst),
		logger:     logger.Named("gdrive"),
	}, nil
}

// driveHTTPClient builds the authenticating client. A service-account
// key gets a self-refreshing JWT token source; a bare access token is
// wrapped in a static source.
func driveHTTPClient(cfg GoogleDriveConfig) (*http.Client, error) {
	var ts oauth2.TokenSource
	switch {
	case cfg.CredentialsJSON != "":
		jwtCfg, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), driveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parsing google service account credentials: %w", err)
		}
		ts = jwtCfg.TokenSource(context.Background())
	case cfg.AccessToken != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
	default:
		return nil, fmt.Errorf("google drive credentials required")
	}

	client := oauth2.NewClient(context.Background(), ts)
	client.Timeout = connectorTimeout
	return client, nil
}

func (c *GoogleDriveConnector) ID() string {
	return "google_drive"
}

// driveFile is the subset of the Drive v3 file resource we consume.
type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         string `json:"size"` // Drive returns sizes as strings
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// Scan lists non-trashed files in the folder and filters them by the
// scan options client-side.
func (c *GoogleDriveConnector) Scan(ctx context.Context, folderPath string, opts ScanOptions) (*ScanResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	result := &ScanResult{Files: []FileInfo{}}
	now := time.Now()
	pageToken := ""

	for {
		list, err := c.listPage(ctx, folderPath, pageToken)
		if err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			if !matchesPatterns(f.Name, opts.Patterns) {
				continue
			}
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			if !withinAge(modified, opts.MaxAgeDays, now) {
				continue
			}
			size, _ := strconv.ParseInt(f.Size, 10, 64)
			result.Files = append(result.Files, FileInfo{
				ID:           f.ID,
				Name:         f.Name,
				Size:         size,
				MimeType:     f.MimeType,
				ModifiedTime: modified,
				Path:         folderPath + "/" + f.Name,
			})
			result.TotalSize += size
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	c.logger.Debug(ctx, "drive scan finished",
		zap.String("folder", folderPath),
		zap.Int("files", len(result.Files)),
		zap.Int64("total_size", result.TotalSize))
	return result, nil
}

func (c *GoogleDriveConnector) listPage(ctx context.Context, folderID, pageToken string) (*driveFileList, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
	query.Set("fields", "nextPageToken, files(id, name, size, mimeType, modifiedTime)")
	query.Set("pageSize", strconv.Itoa(drivePageSize))
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/drive/v3/files?"+query.Encode(), nil)
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
		return nil, fmt.Errorf("%w: drive API returned %d: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	}

	var list driveFileList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &list, nil
}

// Download fetches the file's bytes via alt=media into destDir.
func (c *GoogleDriveConnector) Download(ctx context.Context, file FileInfo, destDir string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/drive/v3/files/"+url.PathEscape(file.ID)+"?alt=media", nil)
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
		return "", fmt.Errorf("%w: drive API returned %d: %s", ErrSourceUnavailable, resp.StatusCode, string(body))
	}

	return writeDownload(destDir, file.Name, resp.Body)
}

var (
	_ SourceConnector = (*GoogleDriveConnector)(nil)
	_ Downloader      = (*GoogleDriveConnector)(nil)
)
