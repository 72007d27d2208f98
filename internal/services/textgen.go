package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/internal/validation"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// promptTemplate asks for a minified JSON array so the reply parses without
// stripping prose. The placeholders are word count and language name.
const promptTemplate = "Generate %d unique words that has random number of characters " +
	"more than 4 and less than 10 in %s language. For each word, provide a brief " +
	"description of its meaning in English with more than a couple of words. " +
	"Produce output only in minified JSON array with the keys word and description."

const defaultTextGenTimeout = 30 * time.Second

// TextGenConfig configures the text-generation client.
type TextGenConfig struct {
	Endpoint  string
	Model     string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration
}

// WordCandidate is one generated word with its English description.
type WordCandidate struct {
	Word        string `json:"word"`
	Description string `json:"description"`
}

// TextGenClient calls a message-style text-generation API and extracts the
// word list from the first content block of the reply.
type TextGenClient struct {
	cfg       TextGenConfig
	client    *http.Client
	validator *validation.PayloadValidator
	logger    *slog.Logger
}

// NewTextGenClient creates a TextGenClient.
func NewTextGenClient(cfg TextGenConfig, validator *validation.PayloadValidator, logger *slog.Logger) (*TextGenClient, error) {
	if cfg.Endpoint == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "text generation endpoint is empty")
	}
	if validator == nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "payload validator is nil")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTextGenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TextGenClient{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		validator: validator,
		logger:    logger,
	}, nil
}

type textGenRequest struct {
	Model     string           `json:"model,omitempty"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []textGenMessage `json:"messages"`
}

type textGenMessage struct {
	Role    string            `json:"role"`
	Content []textGenFragment `json:"content"`
}

type textGenFragment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type textGenResponse struct {
	Content []textGenFragment `json:"content"`
}

// GenerateWords asks the model for count words in the given language.
// languageName is the human-readable name inserted into the prompt
// ("English", "Dutch"), distinct from the language code used for storage.
func (c *TextGenClient) GenerateWords(ctx context.Context, languageName string, count int) ([]WordCandidate, error) {
	if languageName == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "language name is empty")
	}
	if count <= 0 {
		return nil, flow.NewError(flow.ErrCodeValidation, "word count must be positive")
	}

	reqBody := textGenRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []textGenMessage{{
			Role: "user",
			Content: []textGenFragment{{
				Type: "text",
				Text: fmt.Sprintf(promptTemplate, count, languageName),
			}},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "marshal text generation request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "build text generation request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "text generation request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "read text generation response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, flow.NewErrorf(flow.ErrCodeExecution,
			"text generation returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(body)})
	}

	var parsed textGenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "text generation response is not JSON").WithCause(err)
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "text generation response has no content")
	}

	// The model returns the word list as a JSON string inside the first
	// content block.
	var raw any
	if err := json.Unmarshal([]byte(parsed.Content[0].Text), &raw); err != nil {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "model output is not a JSON array").WithCause(err)
	}
	if err := c.validator.ValidateWordList(raw); err != nil {
		return nil, err
	}

	var words []WordCandidate
	if err := json.Unmarshal([]byte(parsed.Content[0].Text), &words); err != nil {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "decode word list").WithCause(err)
	}
	if len(words) == 0 {
		return nil, flow.NewError(flow.ErrCodeEmptyResult, "model produced an empty word list")
	}

	logging.LogWith(ctx, c.logger).Debug("generated word candidates",
		slog.Int("count", len(words)), slog.String("language_name", languageName))
	return words, nil
}
