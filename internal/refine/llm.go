package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
)

const refineSystemPrompt = `You are a Memory Refiner for an AI assistant's memory system.

Your task is to analyze raw memories and produce a refined, concise summary that:
1. Preserves KEY DECISIONS and their rationale
2. Keeps CRITICAL FACTS (bugs fixed, architecture choices, important discoveries)
3. Removes redundant or outdated information
4. Maintains temporal context (what happened when)
5. Prioritizes information relevant to the user's current query

Output format:
- Use bullet points for clarity
- Group related memories together
- Mark uncertain information with [?]
- Keep total output under %d tokens

Language: Match the language of the input memories (Chinese or English).`

const maxLLMInputChars = 10000

// LLMRefiner rewrites the masked digest through an OpenAI-compatible chat
// endpoint. Any failure falls back to the deterministic output so refine
// never degrades below the masking baseline.
type LLMRefiner struct {
	fallback   *Refiner
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLM creates an LLM-backed refiner over the deterministic one.
func NewLLM(fallback *Refiner, baseURL, apiKey, chatModel string, logger *slog.Logger) *LLMRefiner {
	if fallback == nil {
		fallback = New(0)
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRefiner{
		fallback: fallback,
		baseURL:  baseURL,
		apiKey:   apiKey,
		model:    chatModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Refine compacts via masking, then asks the model to rewrite the digest.
// LLM errors are logged and the masking result returned instead.
func (r *LLMRefiner) Refine(ctx context.Context, query string, results []model.SearchResult, maxTokens int) (*Result, error) {
	base, err := r.fallback.Refine(ctx, query, results, maxTokens)
	if err != nil || len(results) == 0 {
		return base, err
	}

	input := base.Content
	if len(input) > maxLLMInputChars {
		input = input[:maxLLMInputChars] + "\n\n[... truncated ...]"
	}

	refined, err := r.complete(ctx, query, input, maxTokens)
	if err != nil {
		r.logger.Warn("llm refine failed, using masking output", "error", err)
		return base, nil
	}

	refinedTokens := EstimateTokens(refined)
	ratio := 1.0
	if base.OriginalTokens > 0 {
		ratio = float64(refinedTokens) / float64(base.OriginalTokens)
	}
	return &Result{
		Content:          refined,
		OriginalCount:    base.OriginalCount,
		OriginalTokens:   base.OriginalTokens,
		RefinedTokens:    refinedTokens,
		CompressionRatio: ratio,
		Refiner:          r.model,
	}, nil
}

func (r *LLMRefiner) complete(ctx context.Context, query, memoriesText string, maxTokens int) (string, error) {
	userPrompt := fmt.Sprintf(`## Current Query
%s

## Raw Memories to Refine
%s

## Instructions
Analyze these memories and produce a refined summary that helps answer the current query.
Focus on:
- Decisions and their reasons
- Bug fixes and lessons learned
- Architecture and design choices
- Any information directly relevant to the query

Refined Summary:`, query, memoriesText)

	reqBody, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(refineSystemPrompt, maxTokens)},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("refine: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("refine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("refine: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("refine: status %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("refine: decode response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("refine: empty completion returned")
	}
	return result.Choices[0].Message.Content, nil
}
