package classify

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
)

// Ollama talks to a local Ollama server's generate API. It is the
// pipeline's sole soft-failure point: every error path maps to the
// fallback category and is only visible in logs.
type Ollama struct {
	endpoint string
	model    string
	timeout  time.Duration
	client   *http.Client
	log      *zap.Logger
}

// NewOllama creates an engine adapter for the server at endpoint
// (e.g. http://localhost:11434).
func NewOllama(endpoint, model string, timeout time.Duration, log *zap.Logger) *Ollama {
	return &Ollama{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		timeout:  timeout,
		client:   &http.Client{},
		log:      log,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Classify asks the model to pick one of candidates for content. The
// response is matched case-insensitively against the candidate set;
// anything else (including call failure and timeout) yields the
// fallback category.
func (o *Ollama) Classify(ctx context.Context, content string, candidates []string) string {
	prompt := fmt.Sprintf(
		"Categorize the following email into one of these labels: %s.\nEmail Content:\n%s\nReturn only the label name.",
		strings.Join(append(append([]string{}, candidates...), FallbackCategory), ", "),
		content,
	)

	raw, err := o.generate(ctx, prompt)
	if err != nil {
		o.log.Warn("classification call failed, falling back",
			zap.String("category", FallbackCategory), zap.Error(err))
		return FallbackCategory
	}

	token := firstToken(raw)
	for _, c := range candidates {
		if strings.EqualFold(token, c) {
			return c
		}
	}
	return FallbackCategory
}

// Summarize asks the model for a 2-3 sentence summary of text.
func (o *Ollama) Summarize(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return "(No content)"
	}
	raw, err := o.generate(ctx, "Summarize this email in 2-3 sentences:\n\n"+text)
	if err != nil {
		o.log.Warn("summarize call failed", zap.Error(err))
		return fmt.Sprintf("(Summary failed: %v)", err)
	}
	return strings.TrimSpace(raw)
}

// generate performs one non-streaming generate call with the adapter's
// timeout applied.
func (o *Ollama) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return result.Response, nil
}

// firstToken extracts a single label token from a freeform model
// response: the first non-empty line, with surrounding quotes and
// trailing punctuation stripped.
func firstToken(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Trim(line, "\"'. \t\r")
		if line != "" {
			return line
		}
	}
	return ""
}
