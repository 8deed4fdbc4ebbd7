// Package config provides configuration loading for evidenced.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/memory"
)

// Config holds the complete evidenced configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	LLM        llm.Config       `koanf:"llm"`
	Memory     memory.Config    `koanf:"memory"`
	Connectors ConnectorsConfig `koanf:"connectors"`

	// DownloadDir receives evidence files fetched from remote sources.
	DownloadDir string `koanf:"download_dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ConnectorsConfig groups the external-system integrations. A connector
// with no credential stays disabled.
type ConnectorsConfig struct {
	GoogleDrive connectors.GoogleDriveConfig `koanf:"google_drive"`
	OneDrive    connectors.OneDriveConfig    `koanf:"onedrive"`
	Slack       connectors.SlackConfig       `koanf:"slack"`
	Sprinto     connectors.SprintoConfig     `koanf:"sprinto"`
}

// providerCredentialEnv maps provider ids to their conventional
// credential environment variables.
var providerCredentialEnv = map[string]string{
	llm.ProviderOpenAI:    "OPENAI_API_KEY",
	llm.ProviderAnthropic: "ANTHROPIC_API_KEY",
	llm.ProviderGoogle:    "GOOGLE_AI_API_KEY",
	llm.ProviderKimi:      "MOONSHOT_API_KEY",
	llm.ProviderGroq:      "GROQ_API_KEY",
	llm.ProviderDeepSeek:  "DEEPSEEK_API_KEY",
}

// applyCredentials fills in credentials from conventional environment
// variables where the config file left them empty.
func applyCredentials(cfg *Config) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]llm.ProviderConfig)
	}
	for id, envVar := range providerCredentialEnv {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		pcfg := cfg.LLM.Providers[id]
		if pcfg.APIKey == "" {
			pcfg.APIKey = key
			cfg.LLM.Providers[id] = pcfg
		}
	}

	if cfg.Connectors.Slack.BotToken == "" {
		cfg.Connectors.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Connectors.Sprinto.APIKey == "" {
		cfg.Connectors.Sprinto.APIKey = os.Getenv("SPRINTO_API_KEY")
	}
	if cfg.Connectors.GoogleDrive.CredentialsJSON == "" {
		cfg.Connectors.GoogleDrive.CredentialsJSON = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	}
	if cfg.Connectors.GoogleDrive.AccessToken == "" {
		cfg.Connectors.GoogleDrive.AccessToken = os.Getenv("GDRIVE_ACCESS_TOKEN")
	}
	if cfg.Connectors.OneDrive.TenantID == "" {
		cfg.Connectors.OneDrive.TenantID = os.Getenv("MICROSOFT_TENANT_ID")
	}
	if cfg.Connectors.OneDrive.ClientID == "" {
		cfg.Connectors.OneDrive.ClientID = os.Getenv("MICROSOFT_CLIENT_ID")
	}
	if cfg.Connectors.OneDrive.ClientSecret == "" {
		cfg.Connectors.OneDrive.ClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
	}
	if cfg.Connectors.OneDrive.AccessToken == "" {
		cfg.Connectors.OneDrive.AccessToken = os.Getenv("ONEDRIVE_ACCESS_TOKEN")
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{"service": "evidenced"}
	}

	cfg.Memory.ApplyDefaults()

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = os.TempDir()
	}
}

// Validate checks the configuration for errors. Provider availability is
// not checked here: a config with zero credentials is valid to load, and
// the router reports ErrNoProviderAvailable at construction.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout cannot be negative")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if def := c.LLM.DefaultProvider; def != "" {
		if _, known := providerCredentialEnv[def]; !known {
			return fmt.Errorf("unknown default provider %q", def)
		}
	}
	return nil
}
