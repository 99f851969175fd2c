package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/httpkit"
)

// DeepgramConfig configures the Deepgram Aura provider.
type DeepgramConfig struct {
	APIKey       string
	BaseURL      string
	DefaultVoice string
	Timeout      time.Duration
}

// Deepgram synthesizes speech with the Deepgram /v1/speak API.
type Deepgram struct {
	cfg        DeepgramConfig
	httpClient *http.Client
}

// NewDeepgram creates a Deepgram provider.
func NewDeepgram(cfg DeepgramConfig, logger *slog.Logger) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "aura-2-thalia-en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deepgram{
		cfg: cfg,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithAuthorization("Token", cfg.APIKey),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Name implements Provider.
func (d *Deepgram) Name() string { return "deepgram" }

// Voice maps a requested voice to a Deepgram model. Only "aura-" models
// are Deepgram voices; anything else uses the default.
func (d *Deepgram) Voice(requested string) string {
	if strings.HasPrefix(requested, "aura-") {
		return requested
	}
	return d.cfg.DefaultVoice
}

// Synthesize implements Provider.
func (d *Deepgram) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal request: %w", err)
	}

	u := d.cfg.BaseURL + "/v1/speak?" + url.Values{"model": {d.Voice(voice)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("deepgram: empty audio")
	}
	return audio, nil
}
