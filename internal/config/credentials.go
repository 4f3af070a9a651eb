package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Credentials are the secrets the bot needs at runtime. They are read from
// the environment only, so a config file can be committed without leaking
// keys.
type Credentials struct {
	BybitAPIKey    string `envconfig:"BYBIT_API_KEY"`
	BybitAPISecret string `envconfig:"BYBIT_API_SECRET"`
	TelegramToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID string `envconfig:"TELEGRAM_CHAT_ID"`
}

// LoadCredentials reads the credential environment variables.
func LoadCredentials() (*Credentials, error) {
	var creds Credentials
	if err := envconfig.Process("", &creds); err != nil {
		return nil, fmt.Errorf("failed to read credentials from environment: %w", err)
	}
	return &creds, nil
}

// RequireFor checks that the credentials needed by the selected broker and
// notification settings are present.
func (c *Credentials) RequireFor(cfg *BotConfig) error {
	var missing []string
	if strings.EqualFold(cfg.Broker.Name, "bybit") {
		if c.BybitAPIKey == "" {
			missing = append(missing, "BYBIT_API_KEY")
		}
		if c.BybitAPISecret == "" {
			missing = append(missing, "BYBIT_API_SECRET")
		}
	}
	if cfg.Notifications.Enabled {
		if c.TelegramToken == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
		if c.TelegramChatID == "" {
			missing = append(missing, "TELEGRAM_CHAT_ID")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
