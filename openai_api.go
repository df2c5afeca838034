package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// councilModelID is the pseudo-model clients address completions to.
const councilModelID = "council"

// chatCompletionsHandler is the OpenAI-compatible entry point: resolves the
// deterministic conversation ID, runs the full pipeline, persists the turn
// (best-effort), and returns a completion object or SSE chunks.
// POST /v1/chat/completions
func (a *app) chatCompletionsHandler(c *gin.Context) {
	var request ChatCompletionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, apiError(
			fmt.Sprintf("invalid request body: %v", err), codeInvalidRequest))
		return
	}
	if request.Model != "" && request.Model != councilModelID {
		c.JSON(http.StatusBadRequest, apiError(
			fmt.Sprintf("unknown model %q, use %q", request.Model, councilModelID), codeInvalidRequest))
		return
	}
	if request.Source == "" {
		request.Source = SourceOpenWebUI
	}

	// Resolve identity and prompt before any inference call: malformed input
	// never costs a backend call.
	conversationID, err := ResolveConversationID(request.Source, request.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError(err.Error(), codeInvalidConversation))
		return
	}
	prompt, err := LastUserMessage(request.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError(err.Error(), codeInvalidConversation))
		return
	}

	council, err := a.validatedCouncil(c.Request.Context())
	if err != nil {
		c.JSON(councilErrorStatus(err), apiError(err.Error(), councilErrorCode(err)))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.RequestDeadline)
	defer cancel()

	result, err := council.Run(ctx, prompt)
	if err != nil {
		c.JSON(councilErrorStatus(err), apiError(err.Error(), councilErrorCode(err)))
		return
	}

	// Durability is a side effect; its loss never fails the request.
	a.persistTurn(conversationID.String(), request.Source, prompt, result)

	responseID := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	if request.Stream {
		streamCompletion(c, responseID, created, conversationID.String(), result)
		return
	}

	metadata := result.Metadata
	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: created,
		Model:   councilModelID,
		Choices: []ChatChoice{{
			Index: 0,
			Message: ChatMessage{
				Role:    "assistant",
				Content: result.Stage3.Response,
			},
			FinishReason: "stop",
		}},
		ConversationID: conversationID.String(),
		Metadata:       &metadata,
	})
}

// streamCompletion emits the synthesized answer as OpenAI-style SSE chunks:
// a role delta, the content, a finish chunk, then [DONE].
func streamCompletion(c *gin.Context, responseID string, created int64, conversationID string, result *CouncilResult) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Conversation-Id", conversationID)

	chunk := func(delta ChatMessage, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      responseID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   councilModelID,
			Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	sendSSEEvent(c, chunk(ChatMessage{Role: "assistant"}, nil))
	sendSSEEvent(c, chunk(ChatMessage{Content: result.Stage3.Response}, nil))
	stop := "stop"
	sendSSEEvent(c, chunk(ChatMessage{}, &stop))

	c.Writer.WriteString("data: [DONE]\n\n")
	c.Writer.Flush()
}

// deleteConversationHandler deletes a conversation by its resolver-derived ID
// (not the response ID from a completion). A missing row is a result, not an
// error.
// DELETE /v1/chat/completions/:id
func (a *app) deleteConversationHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError(
			"conversation id must be a UUID (the x_conversation_id field, not the response id)",
			codeInvalidRequest))
		return
	}

	if a.store == nil {
		c.JSON(http.StatusOK, DeleteResponse{ConversationID: id.String(), Deleted: false})
		return
	}

	found, err := a.store.DeleteConversation(c.Request.Context(), id.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiError(
			fmt.Sprintf("delete failed: %v", err), codeInternal))
		return
	}
	c.JSON(http.StatusOK, DeleteResponse{ConversationID: id.String(), Deleted: found})
}

// listModelsHandler lists the council pseudo-model plus every configured
// member and the chairman, for client discovery (e.g. the Continue plugin).
// GET /v1/models
func (a *app) listModelsHandler(c *gin.Context) {
	seen := map[string]bool{councilModelID: true}
	data := []ModelInfo{{ID: councilModelID, Object: "model", OwnedBy: "llm-council"}}

	for _, model := range append(a.council.Members, a.council.Chairman) {
		if seen[model] {
			continue
		}
		seen[model] = true
		data = append(data, ModelInfo{ID: model, Object: "model", OwnedBy: "llm-council"})
	}

	c.JSON(http.StatusOK, ModelList{Object: "list", Data: data})
}

// councilErrorCode maps pipeline errors to stable API error codes.
func councilErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoResponses):
		return codeNoResponses
	case errors.Is(err, ErrChairmanUnavailable):
		return codeChairmanUnavailable
	case errors.Is(err, ErrInvalidConversation):
		return codeInvalidConversation
	default:
		return codeInternal
	}
}
