package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenAIBaseURL is the public API endpoint.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// Timeout bounds one request when the caller's context has no
	// deadline. Zero means 90 seconds.
	Timeout time.Duration
	Client  *http.Client
}

// OpenAIProvider calls the /audio/speech endpoint.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewOpenAIProvider validates the configuration up front; a missing key
// is an error here rather than at the first request.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	return &OpenAIProvider{
		apiKey:  key,
		baseURL: baseURL,
		timeout: timeout,
		client:  client,
	}, nil
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Synthesize returns the MP3 bytes for one chunk.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	format := req.Format
	if format == "" {
		format = FormatMP3
	}
	model := req.Model
	if model == "" {
		model = "tts-1"
	}

	body, err := json.Marshal(speechRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          string(req.Voice),
		Speed:          req.Speed,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "failed to read audio", Retryable: true, Cause: err}
	}
	if len(audio) == 0 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "empty audio response", Retryable: true}
	}
	return audio, nil
}

// errorMessage extracts error.message from an API error body.
func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var e apiError
	if json.Unmarshal(b, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "failed to convert chunk"
}
