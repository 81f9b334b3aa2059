package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"google.golang.org/genai"
)

// Gemini uses the Google GenAI SDK with JSON output.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGeminiFromEnv(ctx context.Context) (*Gemini, error) {
	apiKey := config.StringFromEnv("GEMINI_API_KEY", "")
	if apiKey == "" {
		return nil, newError(KindConfig, errors.New("missing GEMINI_API_KEY"))
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, newError(KindConfig, fmt.Errorf("failed to create GenAI client: %w", err))
	}
	return &Gemini{
		client: client,
		model:  config.StringFromEnv("GEMINI_MODEL", "gemini-2.5-flash"),
	}, nil
}

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Summarize(ctx context.Context, req Request) (*Result, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, newError(KindBadResponse, err)
	}
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, ctx.Err())
		}
		return nil, newError(KindHTTP, err)
	}
	if resp == nil {
		return nil, newError(KindBadResponse, errors.New("empty response"))
	}
	analysis, err := parseAnalysis(resp.Text())
	if err != nil {
		return nil, err
	}
	return &Result{Analysis: analysis, Model: g.model, Latency: time.Since(start)}, nil
}
