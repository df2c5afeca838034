package main

import "errors"

// Pipeline error taxonomy. Per-member failures (unavailable model, unparseable
// ranking) are absorbed into partial results; the sentinels below mark the
// conditions that surface to the caller or get logged at the boundary.
var (
	// ErrInvalidConversation indicates malformed input, e.g. a message list
	// with no user message. Rejected before any model call.
	ErrInvalidConversation = errors.New("invalid conversation: no user message")

	// ErrNoResponses indicates every council member failed in Stage 1.
	ErrNoResponses = errors.New("all council models failed to respond")

	// ErrMemberUnavailable marks a single member's failure. Never fatal to a
	// stage; the member is excluded from that stage's results.
	ErrMemberUnavailable = errors.New("council member unavailable")

	// ErrRankingParse marks a member whose evaluation text yielded no usable
	// ranking. The member's vote is excluded from aggregation.
	ErrRankingParse = errors.New("ranking could not be parsed")

	// ErrChairmanUnavailable indicates the chairman model could not produce a
	// synthesis. Fatal: regular members are never promoted to chairman.
	ErrChairmanUnavailable = errors.New("chairman model unavailable")

	// ErrPersistenceUnavailable marks a storage failure. Never fatal to a chat
	// request; the response is returned without durability.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// Stable error codes returned on the /v1 API surface.
const (
	codeInvalidConversation = "invalid_conversation"
	codeInvalidRequest      = "invalid_request"
	codeNoResponses         = "no_responses"
	codeChairmanUnavailable = "chairman_unavailable"
	codeInternal            = "internal_error"
)

// APIError is the structured error body on the OpenAI-compatible surface.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// APIErrorResponse wraps an APIError the way OpenAI clients expect.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

func apiError(message, code string) APIErrorResponse {
	return APIErrorResponse{Error: APIError{
		Message: message,
		Type:    "council_error",
		Code:    code,
	}}
}
