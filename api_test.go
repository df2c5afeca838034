package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	// Set Gin to test mode
	gin.SetMode(gin.TestMode)
}

// scriptedGateway returns a stub that answers all three stages plus title
// generation sensibly.
func scriptedGateway() *stubGateway {
	gw := &stubGateway{
		Models: []string{"model-a", "model-b", "chairman-model", "title-model"},
	}
	gw.ChatFunc = func(model, prompt string) (string, error) {
		switch {
		case model == "chairman-model":
			return "Council answer.\n\nCONFIDENCE: 90", nil
		case model == "title-model":
			return "Test Title", nil
		case strings.Contains(prompt, "FINAL RANKING"):
			return rankedEvaluation("Response A", "Response B"), nil
		default:
			return "answer from " + model, nil
		}
	}
	return gw
}

func newTestApp(gw *stubGateway, store ConversationStore) *app {
	cfg := &Config{
		Port:               "0",
		CouncilModels:      []string{"model-a", "model-b"},
		ChairmanModel:      "chairman-model",
		TitleModel:         "title-model",
		ModelQueryTimeout:  5 * time.Second,
		TitleGenTimeout:    time.Second,
		RequestDeadline:    10 * time.Second,
		CatalogTTL:         time.Hour,
		MaxRequestBodySize: 1 << 20,
	}
	return &app{
		cfg:     cfg,
		gateway: gw,
		catalog: NewModelCatalog(gw, cfg.CatalogTTL),
		council: NewCouncil(cfg, gw),
		store:   store,
	}
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func completionRequest(content string) ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:    "council",
		Messages: []ChatMessage{{Role: "user", Content: content}},
	}
}

// TestHealthHandler tests the liveness probe.
func TestHealthHandler(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), newMemoryStore()))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("status = %v, want 'ok'", response["status"])
	}
	if response["backend"] != true {
		t.Errorf("backend = %v, want true", response["backend"])
	}
	if response["database"] != true {
		t.Errorf("database = %v, want true", response["database"])
	}
}

// TestHealthHandlerDatabaseDown verifies persistence being unreachable never
// fails the probe.
func TestHealthHandlerDatabaseDown(t *testing.T) {
	store := newMemoryStore()
	store.FailAll = true
	router := newRouter(newTestApp(scriptedGateway(), store))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200 with database down", w.Code)
	}
	var response map[string]any
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["database"] != false {
		t.Errorf("database = %v, want false", response["database"])
	}
}

// TestChatCompletions tests the happy path of the OpenAI-compatible endpoint.
func TestChatCompletions(t *testing.T) {
	store := newMemoryStore()
	router := newRouter(newTestApp(scriptedGateway(), store))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello, this is a test"))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body = %s", w.Code, w.Body.String())
	}

	var response ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if !strings.HasPrefix(response.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want chatcmpl- prefix", response.ID)
	}
	if response.ConversationID == "" || response.ConversationID == response.ID {
		t.Errorf("ConversationID = %q must be present and distinct from response ID %q",
			response.ConversationID, response.ID)
	}
	if len(response.Choices) != 1 || response.Choices[0].Message.Content != "Council answer." {
		t.Errorf("Choices = %+v", response.Choices)
	}
	if response.Choices[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want 'stop'", response.Choices[0].FinishReason)
	}
	if response.Metadata == nil || len(response.Metadata.AggregateRankings) != 2 {
		t.Errorf("Metadata = %+v, want aggregate rankings for both members", response.Metadata)
	}
}

// TestChatCompletionsDeterministicConversation verifies the example scenario:
// two identical opening messages resolve to one conversation row with both
// turns appended.
func TestChatCompletionsDeterministicConversation(t *testing.T) {
	store := newMemoryStore()
	router := newRouter(newTestApp(scriptedGateway(), store))

	first := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello, this is a test"))
	second := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello, this is a test"))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("Status = %d / %d, want 200 / 200", first.Code, second.Code)
	}

	var resp1, resp2 ChatCompletionResponse
	json.Unmarshal(first.Body.Bytes(), &resp1)
	json.Unmarshal(second.Body.Bytes(), &resp2)

	if resp1.ConversationID != resp2.ConversationID {
		t.Errorf("Conversation IDs differ: %s vs %s", resp1.ConversationID, resp2.ConversationID)
	}
	if resp1.ID == resp2.ID {
		t.Error("Response IDs must be fresh per response")
	}
	if store.Count() != 1 {
		t.Errorf("Store has %d conversations, want 1 (second call must append)", store.Count())
	}

	conv, _ := store.GetConversation(context.Background(), resp1.ConversationID)
	if conv == nil {
		t.Fatal("Conversation not stored under the deterministic ID")
	}
	if len(conv.Messages) != 4 {
		t.Errorf("Got %d messages, want 4 (two user/assistant turns)", len(conv.Messages))
	}
	if conv.Messages[1].Stage3 == nil || conv.Messages[1].Stage3.Response != "Council answer." {
		t.Errorf("Assistant turn = %+v, want persisted stage payloads", conv.Messages[1])
	}
}

// TestChatCompletionsNoUserMessage verifies fail-fast on malformed input with
// no backend calls wasted.
func TestChatCompletionsNoUserMessage(t *testing.T) {
	gw := scriptedGateway()
	router := newRouter(newTestApp(gw, newMemoryStore()))

	w := postJSON(t, router, "/v1/chat/completions", ChatCompletionRequest{
		Model:    "council",
		Messages: []ChatMessage{{Role: "assistant", Content: "hi"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", w.Code)
	}

	var response APIErrorResponse
	json.Unmarshal(w.Body.Bytes(), &response)
	if response.Error.Code != codeInvalidConversation {
		t.Errorf("code = %q, want %q", response.Error.Code, codeInvalidConversation)
	}
	if len(gw.Calls()) != 0 {
		t.Errorf("Backend called %d times for invalid input, want 0", len(gw.Calls()))
	}
}

// TestChatCompletionsUnknownModel rejects requests addressed to anything but
// the council pseudo-model.
func TestChatCompletionsUnknownModel(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), newMemoryStore()))

	req := completionRequest("hi")
	req.Model = "gpt-4"
	w := postJSON(t, router, "/v1/chat/completions", req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

// TestChatCompletionsPersistenceDown is the graceful-degradation property:
// with storage forcibly unreachable the endpoint still returns 200 with
// valid content.
func TestChatCompletionsPersistenceDown(t *testing.T) {
	store := newMemoryStore()
	store.FailAll = true
	router := newRouter(newTestApp(scriptedGateway(), store))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200 with persistence down; body = %s", w.Code, w.Body.String())
	}

	var response ChatCompletionResponse
	json.Unmarshal(w.Body.Bytes(), &response)
	if len(response.Choices) != 1 || response.Choices[0].Message.Content == "" {
		t.Errorf("Response must carry valid content despite lost durability: %+v", response.Choices)
	}
}

// TestChatCompletionsAllMembersFail verifies total Stage 1 failure surfaces a
// structured 5xx error, never an empty 200.
func TestChatCompletionsAllMembersFail(t *testing.T) {
	gw := scriptedGateway()
	gw.ChatFunc = func(model, prompt string) (string, error) {
		return "", fmt.Errorf("connection refused")
	}
	router := newRouter(newTestApp(gw, newMemoryStore()))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", w.Code)
	}

	var response APIErrorResponse
	json.Unmarshal(w.Body.Bytes(), &response)
	if response.Error.Code != codeNoResponses {
		t.Errorf("code = %q, want %q", response.Error.Code, codeNoResponses)
	}
}

// TestChatCompletionsChairmanNotInstalled verifies a chairman missing from
// the backend catalog fails the request with no member promotion.
func TestChatCompletionsChairmanNotInstalled(t *testing.T) {
	gw := scriptedGateway()
	gw.Models = []string{"model-a", "model-b"} // no chairman
	router := newRouter(newTestApp(gw, newMemoryStore()))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", w.Code)
	}

	var response APIErrorResponse
	json.Unmarshal(w.Body.Bytes(), &response)
	if response.Error.Code != codeChairmanUnavailable {
		t.Errorf("code = %q, want %q", response.Error.Code, codeChairmanUnavailable)
	}
}

// TestChatCompletionsMissingMemberExcluded verifies a member absent from the
// catalog is excluded while the request still succeeds.
func TestChatCompletionsMissingMemberExcluded(t *testing.T) {
	gw := scriptedGateway()
	gw.Models = []string{"model-a", "chairman-model", "title-model"} // model-b not installed
	router := newRouter(newTestApp(gw, newMemoryStore()))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	for _, call := range gw.Calls() {
		if call.Model == "model-b" {
			t.Error("Uninstalled member must not be queried")
		}
	}
}

// TestChatCompletionsStreaming verifies SSE chunk output.
func TestChatCompletionsStreaming(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), newMemoryStore()))

	req := completionRequest("Hello")
	req.Stream = true
	w := postJSON(t, router, "/v1/chat/completions", req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "chat.completion.chunk") {
		t.Error("Stream should contain completion chunks")
	}
	if !strings.Contains(body, "Council answer.") {
		t.Error("Stream should contain the synthesized content")
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("Stream should terminate with [DONE]")
	}
}

// TestDeleteConversation verifies deletion by conversation ID and the
// idempotent not-found outcome.
func TestDeleteConversation(t *testing.T) {
	store := newMemoryStore()
	router := newRouter(newTestApp(scriptedGateway(), store))

	w := postJSON(t, router, "/v1/chat/completions", completionRequest("delete me"))
	var response ChatCompletionResponse
	json.Unmarshal(w.Body.Bytes(), &response)

	del := httptest.NewRequest("DELETE", "/v1/chat/completions/"+response.ConversationID, nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, del)
	if w2.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w2.Code)
	}
	var deleted DeleteResponse
	json.Unmarshal(w2.Body.Bytes(), &deleted)
	if !deleted.Deleted {
		t.Error("deleted = false, want true for existing conversation")
	}

	// Deleting again is a not-found result, not an error.
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, httptest.NewRequest("DELETE", "/v1/chat/completions/"+response.ConversationID, nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("Second delete status = %d, want 200", w3.Code)
	}
	var deletedAgain DeleteResponse
	json.Unmarshal(w3.Body.Bytes(), &deletedAgain)
	if deletedAgain.Deleted {
		t.Error("deleted = true on second delete, want false")
	}
}

// TestDeleteConversationRejectsResponseID verifies the response ID (the
// chatcmpl- identifier) is rejected: deletion takes the conversation ID.
func TestDeleteConversationRejectsResponseID(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), newMemoryStore()))

	req := httptest.NewRequest("DELETE", "/v1/chat/completions/chatcmpl-123abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for a non-UUID identifier", w.Code)
	}
}

// TestListModelsHandler verifies client discovery.
func TestListModelsHandler(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), newMemoryStore()))

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var list ModelList
	json.Unmarshal(w.Body.Bytes(), &list)
	ids := make(map[string]bool)
	for _, m := range list.Data {
		ids[m.ID] = true
	}
	for _, want := range []string{"council", "model-a", "model-b", "chairman-model"} {
		if !ids[want] {
			t.Errorf("Model list missing %q: %v", want, list.Data)
		}
	}
}

// TestConversationEndpoints covers the /api surface: create, get, list,
// message.
func TestConversationEndpoints(t *testing.T) {
	store := newMemoryStore()
	router := newRouter(newTestApp(scriptedGateway(), store))

	// Create
	w := postJSON(t, router, "/api/conversations", CreateConversationRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("Create status = %d", w.Code)
	}
	var conv Conversation
	json.Unmarshal(w.Body.Bytes(), &conv)
	if conv.ID == "" || conv.Title != "New Conversation" {
		t.Errorf("conv = %+v", conv)
	}

	// Send message
	w = postJSON(t, router, "/api/conversations/"+conv.ID+"/message", SendMessageRequest{Content: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("Message status = %d, body = %s", w.Code, w.Body.String())
	}
	var msgResp SendMessageResponse
	json.Unmarshal(w.Body.Bytes(), &msgResp)
	if msgResp.Stage3.Response != "Council answer." {
		t.Errorf("Stage3 = %+v", msgResp.Stage3)
	}

	// Get reflects both turns
	req := httptest.NewRequest("GET", "/api/conversations/"+conv.ID, nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	var stored Conversation
	json.Unmarshal(w2.Body.Bytes(), &stored)
	if len(stored.Messages) != 2 {
		t.Errorf("Got %d messages, want 2", len(stored.Messages))
	}

	// List
	req = httptest.NewRequest("GET", "/api/conversations", nil)
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, req)
	var metas []ConversationMetadata
	json.Unmarshal(w3.Body.Bytes(), &metas)
	if len(metas) != 1 || metas[0].MessageCount != 2 {
		t.Errorf("metas = %+v", metas)
	}

	// Unknown conversation
	w4 := postJSON(t, router, "/api/conversations/00000000-0000-0000-0000-000000000000/message", SendMessageRequest{Content: "hi"})
	if w4.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404 for unknown conversation", w4.Code)
	}
}

// TestConversationEndpointsStorageDisabled verifies the /api surface refuses
// cleanly without a store while /v1 keeps serving.
func TestConversationEndpointsStorageDisabled(t *testing.T) {
	router := newRouter(newTestApp(scriptedGateway(), nil))

	req := httptest.NewRequest("GET", "/api/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}

	w2 := postJSON(t, router, "/v1/chat/completions", completionRequest("Hello"))
	if w2.Code != http.StatusOK {
		t.Errorf("/v1 status = %d, want 200 without a store", w2.Code)
	}
}

// TestMessageStreamEndpoint verifies stage lifecycle SSE events.
func TestMessageStreamEndpoint(t *testing.T) {
	store := newMemoryStore()
	router := newRouter(newTestApp(scriptedGateway(), store))

	w := postJSON(t, router, "/api/conversations", CreateConversationRequest{})
	var conv Conversation
	json.Unmarshal(w.Body.Bytes(), &conv)

	w2 := postJSON(t, router, "/api/conversations/"+conv.ID+"/message/stream", SendMessageRequest{Content: "hi"})
	if w2.Code != http.StatusOK {
		t.Fatalf("Status = %d", w2.Code)
	}

	body := w2.Body.String()
	for _, event := range []string{"stage1_start", "stage1_complete", "stage2_start", "stage2_complete", "stage3_start", "stage3_complete", "complete"} {
		if !strings.Contains(body, fmt.Sprintf("%q", event)) {
			t.Errorf("Stream missing %s event", event)
		}
	}
}
