package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Need names the external services a command talks to.
type Need uint8

const (
	NeedTelegram Need = 1 << iota
	NeedAnalyzer
	NeedMarket
)

var validate = validator.New()

// credentials is the validated view of the secrets. The boolean fields are
// switched on per command.
type credentials struct {
	Telegram bool
	Analyzer bool
	Alpaca   bool

	BotToken        string `validate:"required_if=Telegram true"`
	ChatID          string `validate:"required_if=Telegram true"`
	TelegramAPIBase string `validate:"omitempty,url"`
	AnalyzerAPIKey  string `validate:"required_if=Analyzer true"`
	AnalyzerBaseURL string `validate:"omitempty,url"`
	ProxyURL        string `validate:"omitempty,url"`
	AlpacaKey       string `validate:"required_if=Alpaca true"`
	AlpacaSecret    string `validate:"required_if=Alpaca true"`
}

var credentialKeys = map[string]string{
	"BotToken":        "alerting.telegram.bot_token (BOT_TOKEN)",
	"ChatID":          "alerting.telegram.chat_id (CHAT_ID)",
	"TelegramAPIBase": "alerting.telegram.api_base",
	"AnalyzerAPIKey":  "analyzer.api_key (GOOGLE_API_KEY)",
	"AnalyzerBaseURL": "analyzer.base_url",
	"ProxyURL":        "analyzer.proxy_url (PROXY_URL)",
	"AlpacaKey":       "market.alpaca.api_key (APCA_API_KEY_ID)",
	"AlpacaSecret":    "market.alpaca.api_secret (APCA_API_SECRET_KEY)",
}

// RequireCredentials checks that the secrets needed by a command are present
// and well formed. Missing credentials are a fatal configuration error.
func (c *Config) RequireCredentials(need Need) error {
	creds := credentials{
		Telegram:        need&NeedTelegram != 0,
		Analyzer:        need&NeedAnalyzer != 0,
		Alpaca:          need&NeedMarket != 0 && c.Market.Provider == "alpaca",
		BotToken:        strings.TrimSpace(c.Alerting.Telegram.BotToken),
		ChatID:          strings.TrimSpace(c.Alerting.Telegram.ChatID),
		TelegramAPIBase: c.Alerting.Telegram.APIBase,
		AnalyzerAPIKey:  strings.TrimSpace(c.Analyzer.APIKey),
		AnalyzerBaseURL: c.Analyzer.BaseURL,
		ProxyURL:        c.Analyzer.ProxyURL,
		AlpacaKey:       strings.TrimSpace(c.Market.Alpaca.APIKey),
		AlpacaSecret:    strings.TrimSpace(c.Market.Alpaca.APISecret),
	}

	err := validate.Struct(creds)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate credentials: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := credentialKeys[fe.Field()]
		switch fe.Tag() {
		case "required_if":
			problems = append(problems, key+" is required")
		case "url":
			problems = append(problems, key+" must be a valid URL")
		default:
			problems = append(problems, fmt.Sprintf("%s failed validation: %s", key, fe.Tag()))
		}
	}
	return fmt.Errorf("configuration: %s", strings.Join(problems, "; "))
}
