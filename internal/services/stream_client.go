package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/threadline/threadline-backend/internal/logger"
	"github.com/threadline/threadline-backend/internal/pkg/sidecar"
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type StreamDelta struct {
	Text      string
	Reasoning string
}

type StreamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StreamResult is the finish event of one assistant turn: final text,
// optional reasoning sidecar and usage metrics.
type StreamResult struct {
	Text      string
	Reasoning []sidecar.Segment
	Model     string
	Usage     StreamUsage
}

type StreamClient interface {
	// StreamCompletion emits partial-content events through onDelta and
	// returns the finish event. A cancelled ctx ends the stream early
	// with no finish event.
	StreamCompletion(ctx context.Context, turns []ChatTurn, onDelta func(StreamDelta)) (*StreamResult, error)
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

type streamClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	titleModel string
	httpClient *http.Client

	maxRetries int
}

func NewStreamClient(log *logger.Logger) (StreamClient, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}

	baseURL := os.Getenv("LLM_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-4o"
	}

	titleModel := os.Getenv("LLM_TITLE_MODEL")
	if titleModel == "" {
		titleModel = model
	}

	timeoutSec := 300
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &streamClient{
		log:        log.With("service", "StreamClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		titleModel: titleModel,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type llmHTTPError struct {
	StatusCode int
	Body       string
}

func (e *llmHTTPError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *llmHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	v := low + rand.Float64()*(2*delta)
	return time.Duration(v * float64(time.Second))
}

// ---- Streaming completion ----

type chatCompletionRequest struct {
	Model         string     `json:"model"`
	Messages      []ChatTurn `json:"messages"`
	Stream        bool       `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type chatCompletionChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *StreamUsage `json:"usage"`
}

func (c *streamClient) StreamCompletion(ctx context.Context, turns []ChatTurn, onDelta func(StreamDelta)) (*StreamResult, error) {
	if len(turns) == 0 {
		return nil, errors.New("no turns to complete")
	}

	req := chatCompletionRequest{
		Model:    c.model,
		Messages: turns,
		Stream:   true,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		model     string
		usage     StreamUsage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Warn("bad stream chunk", "error", err)
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			d := StreamDelta{Text: choice.Delta.Content, Reasoning: choice.Delta.ReasoningContent}
			if d.Text == "" && d.Reasoning == "" {
				continue
			}
			text.WriteString(d.Text)
			reasoning.WriteString(d.Reasoning)
			if onDelta != nil {
				onDelta(d)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// Caller cancellation surfaces here as the context error.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stream read: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if model == "" {
		model = c.model
	}
	res := &StreamResult{
		Text:  text.String(),
		Model: model,
		Usage: usage,
	}
	if r := strings.TrimSpace(reasoning.String()); r != "" {
		res.Reasoning = []sidecar.Segment{{Type: "reasoning", Text: r}}
	}
	return res, nil
}

// ---- Title generation (non-streaming, retried) ----

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *streamClient) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return "", errors.New("empty message")
	}
	if len(firstMessage) > 2000 {
		firstMessage = firstMessage[:2000]
	}

	req := chatCompletionRequest{
		Model: c.titleModel,
		Messages: []ChatTurn{
			{Role: "system", Content: "Generate a short title (at most six words) for a conversation that starts with the user message below. Reply with the title only."},
			{Role: "user", Content: firstMessage},
		},
		Temperature: 0.3,
	}

	var resp chatCompletionResponse
	if err := c.do(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no title in response")
	}
	title := strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"`)
	if title == "" {
		return "", errors.New("empty title in response")
	}
	return title, nil
}

func (c *streamClient) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &llmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *streamClient) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("llm decode error: %w", uErr)
			}
			return nil
		}

		if !isRetryableErr(err) || attempt == c.maxRetries {
			return err
		}

		// Respect Retry-After when present.
		sleepFor := backoff
		if resp != nil {
			ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
			if ra != "" {
				if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
					sleepFor = time.Duration(secs) * time.Second
				}
			}
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("LLM request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}
