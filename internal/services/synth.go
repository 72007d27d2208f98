package services

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

	"golang.org/x/time/rate"

	"github.com/pubudusj/spelling-game-backend/internal/logging"
	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// Synthesis task statuses as reported by the speech service.
const (
	SynthScheduled  = "scheduled"
	SynthInProgress = "inProgress"
	SynthCompleted  = "completed"
	SynthFailed     = "failed"
)

const defaultSynthTimeout = 15 * time.Second

// SynthConfig configures the speech synthesis client.
type SynthConfig struct {
	Endpoint     string
	APIKey       string
	Engine       string // synthesis engine, e.g. "standard"
	OutputFormat string // e.g. "mp3"
	Timeout      time.Duration
	// SubmitRate caps task submissions per second; the speech service
	// throttles aggressive clients. Zero disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// SynthesisJob is the state of one asynchronous speech synthesis task.
type SynthesisJob struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	OutputRef         string `json:"output_ref,omitempty"`
	RequestCharacters int    `json:"request_characters"`
	Reason            string `json:"reason,omitempty"`
}

// SynthSubmission describes one text-to-speech request.
type SynthSubmission struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	OutputPrefix string `json:"output_prefix"`
}

// SynthClient talks to an asynchronous speech synthesis service: submit
// returns a job handle immediately, status is polled until terminal.
type SynthClient struct {
	cfg     SynthConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSynthClient creates a SynthClient.
func NewSynthClient(cfg SynthConfig, logger *slog.Logger) (*SynthClient, error) {
	if cfg.Endpoint == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "speech synthesis endpoint is empty")
	}
	if cfg.Engine == "" {
		cfg.Engine = "standard"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSynthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	return &SynthClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}, nil
}

type synthTaskRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	Engine       string `json:"engine"`
	OutputFormat string `json:"output_format"`
	OutputPrefix string `json:"output_prefix"`
}

type synthTaskResponse struct {
	Task struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		OutputURI         string `json:"output_uri"`
		RequestCharacters int    `json:"request_characters"`
		Reason            string `json:"reason"`
	} `json:"task"`
}

// Submit starts an asynchronous synthesis task for the given text.
func (c *SynthClient) Submit(ctx context.Context, sub SynthSubmission) (*SynthesisJob, error) {
	if sub.Text == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "synthesis text is empty")
	}
	if sub.VoiceID == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "synthesis voice is empty")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, flow.NewError(flow.ErrCodeExecution, "rate limit wait aborted").WithCause(err)
		}
	}

	payload, err := json.Marshal(synthTaskRequest{
		Text:         sub.Text,
		VoiceID:      sub.VoiceID,
		Engine:       c.cfg.Engine,
		OutputFormat: c.cfg.OutputFormat,
		OutputPrefix: sub.OutputPrefix,
	})
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "marshal synthesis request").WithCause(err)
	}

	job, err := c.call(ctx, http.MethodPost, c.taskURL(""), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, c.logger).Debug("synthesis task submitted",
		slog.String("task_id", job.ID), slog.String("voice", sub.VoiceID))
	return job, nil
}

// Status fetches the current state of a synthesis task.
func (c *SynthClient) Status(ctx context.Context, taskID string) (*SynthesisJob, error) {
	if taskID == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "synthesis task id is empty")
	}
	return c.call(ctx, http.MethodGet, c.taskURL(taskID), nil)
}

func (c *SynthClient) taskURL(taskID string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/") + "/synthesis-tasks"
	if taskID == "" {
		return base
	}
	return base + "/" + url.PathEscape(taskID)
}

func (c *SynthClient) call(ctx context.Context, method, rawURL string, body io.Reader) (*SynthesisJob, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "build synthesis request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "synthesis request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeExecution, "read synthesis response").WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, flow.NewError(flow.ErrCodeNotFound, "synthesis task not found")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, flow.NewErrorf(flow.ErrCodeExecution,
			"synthesis service returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var parsed synthTaskResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "synthesis response is not JSON").WithCause(err)
	}
	if parsed.Task.ID == "" {
		return nil, flow.NewError(flow.ErrCodeMalformedOutput, "synthesis response has no task id")
	}
	if !validSynthStatus(parsed.Task.Status) {
		return nil, flow.NewErrorf(flow.ErrCodeMalformedOutput,
			"synthesis response has unknown status %q", parsed.Task.Status)
	}

	return &SynthesisJob{
		ID:                parsed.Task.ID,
		Status:            parsed.Task.Status,
		OutputRef:         outputRefFromURI(parsed.Task.OutputURI),
		RequestCharacters: parsed.Task.RequestCharacters,
		Reason:            parsed.Task.Reason,
	}, nil
}

func validSynthStatus(s string) bool {
	switch s {
	case SynthScheduled, SynthInProgress, SynthCompleted, SynthFailed:
		return true
	}
	return false
}

// outputRefFromURI strips the scheme and bucket from a storage URI, leaving
// the object key used as the stored audio reference.
func outputRefFromURI(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return uri
	}
	return strings.TrimPrefix(u.Path, "/")
}

// IsTerminal reports whether the job has reached a final status.
func (j *SynthesisJob) IsTerminal() bool {
	return j.Status == SynthCompleted || j.Status == SynthFailed
}

// String implements fmt.Stringer for log output.
func (j *SynthesisJob) String() string {
	return fmt.Sprintf("task %s [%s]", j.ID, j.Status)
}
