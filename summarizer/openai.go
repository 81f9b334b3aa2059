package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/sirupsen/logrus"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	log        *logrus.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewOpenAIFromEnv(logger *logrus.Logger) (*OpenAI, error) {
	apiKey := config.StringFromEnv("OPENAI_API_KEY", "")
	if apiKey == "" {
		return nil, newError(KindConfig, errors.New("missing OPENAI_API_KEY"))
	}
	baseURL := strings.TrimRight(config.StringFromEnv("OPENAI_BASE_URL", "https://api.openai.com"), "/")
	return &OpenAI{
		log:        logger,
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      config.StringFromEnv("OPENAI_MODEL", "gpt-4o-mini"),
		httpClient: &http.Client{Timeout: Timeout() + 5*time.Second},
		maxRetries: config.IntFromEnv("OPENAI_MAX_RETRIES", 2),
	}, nil
}

// NewOpenAI is used with a custom endpoint and client (tests, proxies).
func NewOpenAI(baseURL, apiKey, model string, httpClient *http.Client) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: Timeout()}
	}
	return &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
	}
}

func (c *OpenAI) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *OpenAI) Summarize(ctx context.Context, req Request) (*Result, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, newError(KindBadResponse, err)
	}
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	start := time.Now()
	var resp *chatResponse
	for attempt := 0; ; attempt++ {
		resp, err = c.do(ctx, body)
		if err == nil {
			break
		}
		var httpErr *openAIHTTPError
		if attempt >= c.maxRetries || ctx.Err() != nil || !errors.As(err, &httpErr) || !httpErr.retryable() {
			break
		}
		backoff := time.Duration(attempt+1) * 500 * time.Millisecond
		if c.log != nil {
			c.log.WithFields(logrus.Fields{
				"field":   "summarizer.openai",
				"attempt": attempt + 1,
				"status":  httpErr.StatusCode,
			}).Warn("retrying chat completion in " + backoff.String())
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, ctx.Err())
		}
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, newError(KindHTTP, err)
	}

	if len(resp.Choices) == 0 {
		return nil, newError(KindBadResponse, errors.New("no choices in response"))
	}
	analysis, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &Result{Analysis: analysis, Model: model, Latency: time.Since(start)}, nil
}

func (c *OpenAI) do(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &openAIHTTPError{StatusCode: res.StatusCode, Body: truncateBody(raw)}
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, newError(KindBadResponse, fmt.Errorf("decode chat response: %w", err))
	}
	return &out, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
