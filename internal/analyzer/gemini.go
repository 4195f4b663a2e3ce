package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProviderGoogle is the provider name Gemini calls are logged under.
const ProviderGoogle = "google"

// GeminiOptions parameterise the Gemini client.
type GeminiOptions struct {
	APIKey      string
	Model       string
	BaseURL     string
	ProxyURL    string
	Timeout     time.Duration
	Temperature float64
	MimeType    string
}

// route is one way of reaching the API.
type route struct {
	name   string
	client *http.Client
}

// Gemini calls the generateContent endpoint. When a proxy is configured it
// is tried first and the direct route is the fallback.
type Gemini struct {
	opts    GeminiOptions
	baseURL string
	routes  []route
	logger  zerolog.Logger
}

// NewGemini constructs a Gemini client.
func NewGemini(opts GeminiOptions, logger zerolog.Logger) (*Gemini, error) {
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MimeType == "" {
		opts.MimeType = "image/png"
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	var routes []route
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		routes = append(routes, route{
			name:   "proxy",
			client: &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}},
		})
	}
	routes = append(routes, route{
		name:   "direct",
		client: &http.Client{Transport: &http.Transport{Proxy: nil}},
	})

	return &Gemini{
		opts:    opts,
		baseURL: baseURL,
		routes:  routes,
		logger:  logger.With().Str("component", "analyzer_gemini").Logger(),
	}, nil
}

// Provider implements Analyzer.
func (g *Gemini) Provider() string { return ProviderGoogle }

// Model implements Analyzer.
func (g *Gemini) Model() string { return g.opts.Model }

// Analyze sends the image inline with the prompt and returns the joined text parts.
func (g *Gemini) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrAnalysis)
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: g.opts.MimeType, Data: base64.StdEncoding.EncodeToString(image)}},
			},
		}},
		GenerationConfig: generationConfig{Temperature: g.opts.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gemini payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.opts.Model))

	var lastErr error
	for _, r := range g.routes {
		text, err := g.call(ctx, r, endpoint, body)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrAnalysis, ctx.Err())
		}
		lastErr = err
		g.logger.Warn().Err(err).Str("route", r.name).Str("model", g.opts.Model).Msg("gemini call failed")
	}

	return "", fmt.Errorf("%w: Google(%s): %v", ErrAnalysis, g.opts.Model, lastErr)
}

func (g *Gemini) call(ctx context.Context, r route, endpoint string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.opts.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp.StatusCode, payload)
	}

	var out generateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}

	texts := make([]string, 0, len(out.Candidates[0].Content.Parts))
	for _, p := range out.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), nil
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseAPIError(status int, payload []byte) error {
	var e apiError
	if err := json.Unmarshal(payload, &e); err == nil && e.Error.Message != "" {
		return fmt.Errorf("gemini api error (%d): %s", status, e.Error.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("gemini api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("gemini api error (%d)", status)
}

var _ Analyzer = (*Gemini)(nil)
