package main

import "time"

// Source identifies the client integration a conversation originated from.
type Source string

const (
	SourceOpenWebUI Source = "openwebui"
	SourceContinue  Source = "continue"
)

// ChatMessage is a single role/content message on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message represents a single turn stored in a conversation. User turns carry
// Content; assistant turns carry the three stage payloads plus metadata.
type Message struct {
	Role     string           `json:"role"`
	Content  string           `json:"content,omitempty"`
	Stage1   []Stage1Response `json:"stage1,omitempty"`
	Stage2   []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3   *Stage3Response  `json:"stage3,omitempty"`
	Metadata *Metadata        `json:"metadata,omitempty"`
}

// Conversation is a full persisted conversation keyed by its deterministic ID.
type Conversation struct {
	ID        string         `json:"id"`
	Source    Source         `json:"source"`
	Title     string         `json:"title"`
	Messages  []Message      `json:"messages"`
	Meta      map[string]any `json:"meta,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ConversationMetadata is the listing projection of a conversation.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	Source       Source    `json:"source"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stage1Response is a single model's answer in Stage 1.
type Stage1Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Stage2Ranking is a member's evaluation of the anonymized Stage 1 responses.
// ParsedRanking is nil when the free-text evaluation yielded no usable ranking;
// such members keep their raw text for audit but cast no vote.
type Stage2Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// Stage3Response is the chairman's final synthesis with derived confidence.
type Stage3Response struct {
	Model      string      `json:"model"`
	Response   string      `json:"response"`
	Confidence int         `json:"confidence"`
	Violations []Violation `json:"violations,omitempty"`
}

// AggregateRanking is one response's consensus position across member votes.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata carries cross-stage bookkeeping returned alongside results.
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
	FailedMembers     []string           `json:"failed_members,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// CouncilResult bundles the outputs of a full pipeline run.
type CouncilResult struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Source   Source        `json:"source,omitempty"`
}

// ChatChoice is one completion choice in an OpenAI-style response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming OpenAI-style completion object.
// ID is a fresh per-response identifier; ConversationID is the resolver-derived
// conversation identifier. They are distinct on purpose: deletion takes the
// conversation ID, never the response ID.
type ChatCompletionResponse struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Created        int64        `json:"created"`
	Model          string       `json:"model"`
	Choices        []ChatChoice `json:"choices"`
	ConversationID string       `json:"x_conversation_id"`
	Metadata       *Metadata    `json:"x_council_metadata,omitempty"`
}

// ChunkChoice is one delta choice in a streaming chunk.
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// ChatCompletionChunk is a single SSE chunk in streaming mode.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ModelInfo describes one model in GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// CreateConversationRequest is the optional body of POST /api/conversations.
type CreateConversationRequest struct {
	Source Source `json:"source,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// SendMessageRequest is the body of POST /api/conversations/:id/message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse returns all stage payloads for the web UI.
type SendMessageResponse struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// DeleteResponse is the body of DELETE /v1/chat/completions/:id. Deleted is
// false when no conversation row existed; that outcome is a result, not an
// error.
type DeleteResponse struct {
	ConversationID string `json:"conversation_id"`
	Deleted        bool   `json:"deleted"`
}
