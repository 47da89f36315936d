package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rhizome/backend/pkg/circuitbreaker"
	"github.com/rhizome/backend/pkg/logger"
	"github.com/rhizome/backend/pkg/retry"
)

// Client wraps the OpenAI API behind a circuit breaker and retries. It
// backs the contradiction and thematic-bridge engines; both go through
// Complete with JSON-only prompts.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

func NewClient(apiKey, model string, temperature float32, maxTokens, timeoutSec int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 120
	}

	logger.Info("LLM client initialized", zap.String("model", model))

	return &Client{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			content = resp.Choices[0].Message.Content
			return nil
		})
	})

	if err != nil {
		return "", err
	}

	return content, nil
}

// ScoreContradiction implements the contradiction engine's PairScorer.
func (c *Client) ScoreContradiction(ctx context.Context, a, b string) (float64, string, error) {
	systemPrompt := `You are a natural language inference judge. Given two passages, decide whether they make contradicting claims about the same subject.

Score 0.0 when the passages are unrelated or consistent, 1.0 when they directly contradict. Passages on different subjects cannot contradict.

Return JSON only:
{"score": 0.8, "explanation": "one sentence naming the conflicting claims"}`

	userPrompt := fmt.Sprintf("Passage A:\n%s\n\nPassage B:\n%s\n\nReturn JSON only.", a, b)

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    200,
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to score contradiction: %w", err)
	}

	var parsed struct {
		Score       float64 `json:"score"`
		Explanation string  `json:"explanation"`
	}
	if err := unmarshalResponse(content, &parsed); err != nil {
		return 0, "", fmt.Errorf("failed to parse contradiction score: %w", err)
	}

	return clamp(parsed.Score), parsed.Explanation, nil
}

// ScoreBridge implements the thematic-bridge engine's BridgeScorer.
func (c *Client) ScoreBridge(ctx context.Context, a, b string, conceptsA, conceptsB []string) (float64, string, error) {
	systemPrompt := `You are a cross-domain reading companion. Given two passages from different documents that share no surface vocabulary, decide whether they explore the same underlying theme from different angles.

Score 0.0 when the passages have nothing in common beneath the surface, 1.0 when they are clearly two treatments of one idea. Shared wording is not a theme.

Return JSON only:
{"score": 0.7, "theme": "one short phrase naming the shared theme"}`

	userPrompt := fmt.Sprintf(`Passage A (concepts: %s):
%s

Passage B (concepts: %s):
%s

Return JSON only.`,
		strings.Join(conceptsA, ", "), a,
		strings.Join(conceptsB, ", "), b)

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    200,
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to score bridge: %w", err)
	}

	var parsed struct {
		Score float64 `json:"score"`
		Theme string  `json:"theme"`
	}
	if err := unmarshalResponse(content, &parsed); err != nil {
		return 0, "", fmt.Errorf("failed to parse bridge score: %w", err)
	}

	return clamp(parsed.Score), parsed.Theme, nil
}

// unmarshalResponse tolerates markdown code fences and leading prose
// around the JSON object models tend to emit.
func unmarshalResponse(content string, v interface{}) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response %q", content)
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
