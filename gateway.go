package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

// ModelGateway issues inference requests to the model-serving backend. It
// carries no orchestration logic; stages compose it.
type ModelGateway interface {
	// Chat sends a chat completion request to one model and returns its text.
	Chat(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error)

	// ListModels returns the identifiers of models installed on the backend.
	ListModels(ctx context.Context) ([]string, error)
}

// OpenAIGateway talks to any OpenAI-compatible backend (Ollama's /v1 endpoint
// in the default deployment).
type OpenAIGateway struct {
	client *openai.Client
}

// NewOpenAIGateway creates a gateway against the given base URL. The API key
// is passed through as-is; Ollama accepts any non-empty token.
func NewOpenAIGateway(baseURL, apiKey string) *OpenAIGateway {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIGateway{client: openai.NewClientWithConfig(cfg)}
}

func (g *OpenAIGateway) Chat(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: apiMessages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion for %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion for %s: no choices in response", model)
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *OpenAIGateway) ListModels(ctx context.Context) ([]string, error) {
	list, err := g.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// QueryModelsParallel queries multiple models concurrently, one goroutine per
// model. A member that errors or times out is logged and left out of the
// result map; its failure never aborts the other members' calls. The returned
// failed slice preserves the input model order.
func QueryModelsParallel(ctx context.Context, gw ModelGateway, models []string, messages []ChatMessage, timeout time.Duration) (map[string]string, []string) {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string]string)
	failed := make(map[string]bool)
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			response, err := gw.Chat(ctx, model, messages, timeout)
			if err != nil {
				log.Printf("WARN: member %s excluded: %v: %v", model, ErrMemberUnavailable, err)
				mu.Lock()
				failed[model] = true
				mu.Unlock()
				return nil // absorb, peers keep running
			}
			mu.Lock()
			results[model] = response
			mu.Unlock()
			return nil
		})
	}

	// No goroutine returns an error; Wait only synchronizes.
	_ = g.Wait()

	var failedOrdered []string
	for _, model := range models {
		if failed[model] {
			failedOrdered = append(failedOrdered, model)
		}
	}
	return results, failedOrdered
}
