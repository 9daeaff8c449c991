// Package openai implements the AI extraction provider against any
// OpenAI-compatible chat completions endpoint, including local bridges such
// as LM Studio and Ollama.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
	"github.com/nguyentrungtung/universal-scraper-web/internal/schema"
)

const defaultTimeout = 120 * time.Second

// Config holds the provider connection settings.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1" or a local
	// bridge. The chat completions path is appended.
	BaseURL string
	APIKey  string
	// Model is the default model when the extract spec does not name one.
	Model       string
	Temperature float64
	Timeout     time.Duration
	// Local bridges often reject the response_format parameter; JSONMode
	// should be off for those.
	JSONMode bool
}

// Client calls a chat completions endpoint and turns the model's output into
// structured records.
type Client struct {
	cfg       Config
	http      *http.Client
	validator *schema.Validator
	logger    *zap.Logger
}

// NewClient builds a Client. The validator may be nil to skip schema
// validation of extracted records.
func NewClient(cfg Config, validator *schema.Validator, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout},
		validator: validator,
		logger:    logger,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends one content block to the model and returns the extracted
// records along with the raw model output for the audit trail.
func (c *Client) Extract(ctx context.Context, block string, spec scraper.ExtractSpec) ([]scraper.Record, string, error) {
	model := spec.Model
	if model == "" {
		model = c.cfg.Model
	}

	req := chatRequest{
		Model:       model,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: buildInstruction(spec)},
			{Role: "user", Content: block},
		},
	}
	if c.cfg.JSONMode {
		req.ResponseFormat = &respFormat{Type: "json_object"}
	}

	start := time.Now()
	raw, err := c.post(ctx, req)
	if err != nil {
		return nil, string(raw), err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, string(raw), scraper.NewTransientError("decode chat response", err)
	}
	if len(cc.Choices) == 0 {
		return nil, string(raw), scraper.NewTransientError("no choices in chat response", nil)
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return nil, string(raw), scraper.NewTransientError("empty model output", nil)
	}

	// Model output is non-deterministic; a parse failure on one attempt can
	// succeed on the next, so it stays retryable.
	parsed, perr := parseJSONContent(content)
	if perr != nil {
		return nil, content, scraper.NewTransientError("parse model output", perr)
	}

	records := make([]scraper.Record, 0)
	for _, m := range normalizeRecords(parsed) {
		records = append(records, scraper.Record(m))
	}

	if c.validator != nil && len(spec.Schema) > 0 {
		valid, verr := c.validator.Filter(spec.Schema, records)
		if verr != nil {
			return nil, content, scraper.NewPermanentError("response schema invalid", verr)
		}
		if len(valid) == 0 && len(records) > 0 {
			return nil, content, scraper.NewPermanentError("all records rejected by schema", nil)
		}
		records = valid
	}

	c.logger.Debug("chat extraction done",
		zap.String("model", model),
		zap.Int("block_len", len(block)),
		zap.Int("records", len(records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return records, content, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, scraper.NewPermanentError("marshal chat request", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, scraper.NewPermanentError("build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, scraper.NewTransientError("chat request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return raw, scraper.NewTransientError("read chat response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("chat status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if retryableStatus(resp.StatusCode) {
			return raw, scraper.NewTransientError(msg, nil)
		}
		return raw, scraper.NewPermanentError(msg, nil)
	}
	return raw, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// buildInstruction folds the job's instruction and schema into one system
// prompt, mirroring how the records are expected back.
func buildInstruction(spec scraper.ExtractSpec) string {
	var b strings.Builder
	b.WriteString(spec.Instruction)
	if len(spec.Schema) > 0 {
		b.WriteString("\n\nOutput must strictly follow this JSON schema:\n")
		b.Write(spec.Schema)
	}
	if !strings.Contains(strings.ToLower(spec.Instruction), "json") {
		b.WriteString("\n\nReturn the results in valid JSON format.")
	}
	b.WriteString("\n\nReturn ONLY the JSON object/list. No markdown formatting, no explanations.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
