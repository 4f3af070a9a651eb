package notifications

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type TelegramNotifier struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) SendAlert(level, message string) error {
	emoji := "ℹ️"
	switch level {
	case LevelWarning:
		emoji = "⚠️"
	case LevelError:
		emoji = "🚨"
	case LevelCritical:
		emoji = "🛑"
	}

	text := fmt.Sprintf("%s *Trading Bot Alert*\n\n%s", emoji, message)

	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", text)
	data.Set("parse_mode", "Markdown")

	resp, err := t.client.Post(apiURL, "application/x-www-form-urlencoded",
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
