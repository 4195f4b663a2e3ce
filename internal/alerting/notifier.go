package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Sink delivers messages to a chat. An empty chatID selects the sink's default chat.
type Sink interface {
	SendText(ctx context.Context, chatID, text string) error
	SendImage(ctx context.Context, chatID string, image []byte, caption string) error
}

// TelegramNotifier posts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram sink.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// SendText calls sendMessage.
func (n *TelegramNotifier) SendText(ctx context.Context, chatID, text string) error {
	chatID = n.resolveChat(chatID)
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	if err := n.post(ctx, "sendMessage", "application/json", bytes.NewReader(body)); err != nil {
		return err
	}
	n.logger.Info().Str("chat_id", chatID).Int("length", len([]rune(text))).Msg("message sent (Telegram)")
	return nil
}

// SendImage calls sendPhoto with a multipart upload. Captions longer than
// Telegram's limit are truncated.
func (n *TelegramNotifier) SendImage(ctx context.Context, chatID string, image []byte, caption string) error {
	chatID = n.resolveChat(chatID)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if caption != "" {
		if err := form.WriteField("caption", TruncateCaption(caption)); err != nil {
			return err
		}
	}
	fw, err := form.CreateFormFile("photo", "chart.png")
	if err != nil {
		return err
	}
	if _, err := fw.Write(image); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	if err := n.post(ctx, "sendPhoto", form.FormDataContentType(), &buf); err != nil {
		return err
	}
	n.logger.Info().Str("chat_id", chatID).Int("bytes", len(image)).Msg("chart sent (Telegram)")
	return nil
}

func (n *TelegramNotifier) resolveChat(chatID string) string {
	if chatID == "" {
		return n.chatID
	}
	return chatID
}

func (n *TelegramNotifier) post(ctx context.Context, method, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram %s status %d: %s", method, resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram %s status %d", method, resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram %s returned ok=false: %s", method, result.Description)
	}
	return nil
}

var _ Sink = (*TelegramNotifier)(nil)
