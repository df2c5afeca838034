package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// stubGateway is a scriptable ModelGateway for tests. ChatFunc receives the
// model and the last message content; Models backs ListModels.
type stubGateway struct {
	mu       sync.Mutex
	ChatFunc func(model, prompt string) (string, error)
	Models   []string
	ListErr  error
	Delay    time.Duration
	calls    []stubCall
}

type stubCall struct {
	Model  string
	Prompt string
}

func (g *stubGateway) Chat(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	g.mu.Lock()
	g.calls = append(g.calls, stubCall{Model: model, Prompt: prompt})
	chat := g.ChatFunc
	delay := g.Delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if chat == nil {
		return "stub response from " + model, nil
	}
	return chat(model, prompt)
}

func (g *stubGateway) ListModels(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ListErr != nil {
		return nil, g.ListErr
	}
	return append([]string(nil), g.Models...), nil
}

func (g *stubGateway) Calls() []stubCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]stubCall(nil), g.calls...)
}

// memoryStore is an in-memory ConversationStore for handler tests. Setting
// FailAll makes every method fail, simulating an unreachable backend.
type memoryStore struct {
	mu      sync.Mutex
	convs   map[string]*Conversation
	FailAll bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{convs: make(map[string]*Conversation)}
}

func (s *memoryStore) fail() error {
	if s.FailAll {
		return fmt.Errorf("%w: store down", ErrPersistenceUnavailable)
	}
	return nil
}

func (s *memoryStore) CreateConversation(ctx context.Context, conv *Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, exists := s.convs[conv.ID]; exists {
		return false, nil
	}
	stored := *conv
	if stored.Messages == nil {
		stored.Messages = []Message{}
	}
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	s.convs[conv.ID] = &stored
	return true, nil
}

func (s *memoryStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	conv, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	copied := *conv
	copied.Messages = append([]Message(nil), conv.Messages...)
	return &copied, nil
}

func (s *memoryStore) ListConversations(ctx context.Context) ([]ConversationMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	out := make([]ConversationMetadata, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, ConversationMetadata{
			ID:           conv.ID,
			Source:       conv.Source,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memoryStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, ok := s.convs[id]; !ok {
		return false, nil
	}
	delete(s.convs, id)
	return true, nil
}

func (s *memoryStore) UpdateTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	conv.Title = title
	return nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return s.fail() }

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// rankedEvaluation builds a well-formed Stage 2 evaluation ending in a FINAL
// RANKING over the given labels.
func rankedEvaluation(labels ...string) string {
	text := "Evaluation of all responses follows.\n\nFINAL RANKING:\n"
	for i, label := range labels {
		text += fmt.Sprintf("%d. %s\n", i+1, label)
	}
	return text
}
