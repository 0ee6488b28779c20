package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"braid/internal/domain"
)

const defaultOllamaModel = "llama3.1"

// OllamaClient talks to one or two Ollama servers over /api/chat,
// non-streaming. When a fallback URL is configured a failed request is
// retried there before erroring.
type OllamaClient struct {
	baseURLs   []string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, fallbackURL, model string, timeout time.Duration) *OllamaClient {
	if model == "" {
		model = defaultOllamaModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	urls := []string{strings.TrimSuffix(baseURL, "/")}
	if fallbackURL != "" {
		urls = append(urls, strings.TrimSuffix(fallbackURL, "/"))
	}
	return &OllamaClient{
		baseURLs:   urls,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// chat types for the Ollama API
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// chat posts to every configured endpoint in order and returns the first
// success.
func (c *OllamaClient) chat(ctx context.Context, messages []ollamaMessage, forceJSON bool) (string, error) {
	reqBody := ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}
	if forceJSON {
		reqBody.Format = "json"
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for _, baseURL := range c.baseURLs {
		content, err := c.post(ctx, baseURL, body)
		if err != nil {
			lastErr = err
			continue
		}
		return content, nil
	}
	return "", fmt.Errorf("all ollama endpoints failed: %w", lastErr)
}

func (c *OllamaClient) post(ctx context.Context, baseURL string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal chat response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}
	return strings.TrimSpace(result.Message.Content), nil
}

// chatJSON requests a JSON object and parses it into out. Models sometimes
// wrap JSON in prose; recovery extracts the outermost braces, then retries
// once with an explicit repair instruction.
func (c *OllamaClient) chatJSON(ctx context.Context, messages []ollamaMessage, out any) error {
	content, err := c.chat(ctx, messages, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start != -1 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), out); err == nil {
			return nil
		}
	}

	repair := append(messages, ollamaMessage{
		Role:    "system",
		Content: "Your previous output was not valid JSON. Return ONLY a valid JSON object matching the requested schema. No prose, no markdown, no code fences.",
	})
	content, err = c.chat(ctx, repair, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("ollama did not return valid json: %w", err)
	}
	return nil
}

func ribbonJSON(ribbon *domain.Ribbon) string {
	if ribbon == nil {
		return "{}"
	}
	b, err := json.Marshal(ribbon)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (c *OllamaClient) Think(ctx context.Context, req domain.TurnRequest) (*domain.Thought, error) {
	start := time.Now().UTC()

	var structured domain.ThoughtStructured
	messages := []ollamaMessage{
		{Role: "user", Content: fmt.Sprintf(thinkPrompt, ribbonJSON(req.Ribbon), req.UserMessage)},
	}
	if err := c.chatJSON(ctx, messages, &structured); err != nil {
		return nil, fmt.Errorf("think: %w", err)
	}

	return &domain.Thought{
		Narrative:  structured.Summary,
		Structured: structured,
		StartTS:    start,
		EndTS:      time.Now().UTC(),
	}, nil
}

func (c *OllamaClient) Speak(ctx context.Context, req domain.TurnRequest, executedTools []domain.ExecutedToolCall) (string, error) {
	toolsJSON := "[]"
	if len(executedTools) > 0 {
		if b, err := json.Marshal(executedTools); err == nil {
			toolsJSON = string(b)
		}
	}

	messages := []ollamaMessage{
		{Role: "user", Content: fmt.Sprintf(speakPrompt, ribbonJSON(req.Ribbon), toolsJSON, req.UserMessage)},
	}
	content, err := c.chat(ctx, messages, false)
	if err != nil {
		return "", fmt.Errorf("speak: %w", err)
	}
	if content == "" {
		return "", fmt.Errorf("speak: empty response")
	}
	return content, nil
}

func (c *OllamaClient) PlanTools(ctx context.Context, goal string, allowedTools []string, ribbon *domain.Ribbon) ([]domain.PlannedToolCall, error) {
	var plan struct {
		ToolCalls []domain.PlannedToolCall `json:"tool_calls"`
		Notes     string                   `json:"notes"`
	}
	messages := []ollamaMessage{
		{Role: "system", Content: fmt.Sprintf(planToolsPrompt, goal, strings.Join(allowedTools, ", "), ribbonJSON(ribbon))},
	}
	if err := c.chatJSON(ctx, messages, &plan); err != nil {
		return nil, fmt.Errorf("plan tools: %w", err)
	}
	return plan.ToolCalls, nil
}
