package v1

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/server/service/chat"
	"github.com/gaplens/gaplens/store"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ResetAt is set on quota errors: when the exhausted window rolls over.
	ResetAt string `json:"resetAt,omitempty"`
}

type conversationResponse struct {
	UID        string  `json:"uid"`
	AnalysisID int32   `json:"analysisId"`
	VariantIDs []int32 `json:"variantIds,omitempty"`
	CreatedTs  int64   `json:"createdTs"`
	UpdatedTs  int64   `json:"updatedTs"`
}

type messageResponse struct {
	UID              string `json:"uid"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	Status           string `json:"status"`
	Cached           bool   `json:"cached,omitempty"`
	TokensIn         int32  `json:"tokensIn,omitempty"`
	TokensOut        int32  `json:"tokensOut,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
	Rating           int32  `json:"rating,omitempty"`
	Feedback         string `json:"feedback,omitempty"`
	Reported         bool   `json:"reported,omitempty"`
	CreatedTs        int64  `json:"createdTs"`
}

type sendMessageResponse struct {
	UserMessage      *messageResponse `json:"userMessage"`
	AssistantMessage *messageResponse `json:"assistantMessage"`
	Cached           bool             `json:"cached"`
	QuotaRemaining   int              `json:"quotaRemaining"`
}

type suggestionResponse struct {
	ID       int32  `json:"id"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Priority int32  `json:"priority"`
}

type variantResponse struct {
	UID        string            `json:"uid"`
	AnalysisID int32             `json:"analysisId"`
	Parameters map[string]string `json:"parameters"`
	CreatedTs  int64             `json:"createdTs"`
}

type statsResponse struct {
	QuestionCount int32 `json:"questionCount"`
	TotalTokens   int64 `json:"totalTokens"`
}

type quotaResponse struct {
	Used int    `json:"used"`
	Tier string `json:"tier"`
}

// StartConversation returns the conversation bound to the analysis, creating
// it on first use.
func (s *APIV1Service) StartConversation(c echo.Context) error {
	analysisID, err := strconv.ParseInt(c.Param("analysisId"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed analysis id",
		})
	}

	conversation, err := s.Pipeline.StartConversation(c.Request().Context(), int32(analysisID), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertConversation(conversation))
}

// GetConversation returns conversation metadata.
func (s *APIV1Service) GetConversation(c echo.Context) error {
	conversation, err := s.Pipeline.GetConversation(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertConversation(conversation))
}

// GetHistory returns the conversation's messages in chronological order.
// An optional limit query parameter keeps only the newest messages.
func (s *APIV1Service) GetHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, errorBody{
				Code:    string(errors.ErrCodeValidationFailed),
				Message: "malformed limit",
			})
		}
		limit = parsed
	}

	messages, err := s.Pipeline.GetHistory(c.Request().Context(), c.Param("uid"), userIDFromContext(c), limit)
	if err != nil {
		return s.errorJSON(c, err)
	}

	out := make([]*messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, convertMessage(msg))
	}
	return c.JSON(http.StatusOK, out)
}

type sendMessageBody struct {
	Content string `json:"content"`
}

// SendMessage runs one user message through the pipeline. With ?stream=true
// the response is delivered as server-sent events; otherwise the full turn is
// returned as JSON once generation completes.
func (s *APIV1Service) SendMessage(c echo.Context) error {
	var body sendMessageBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed request body",
		})
	}

	req := &chat.SendMessageRequest{
		ConversationUID: c.Param("uid"),
		UserID:          userIDFromContext(c),
		Tier:            tierFromContext(c),
		Content:         body.Content,
	}

	// Streaming is a paid-tier feature; free-tier requests for it are served
	// in batch mode rather than rejected.
	if c.QueryParam("stream") == "true" && req.Tier.CanStream() {
		return s.sendMessageStream(c, req)
	}

	resp, err := s.Pipeline.SendMessage(c.Request().Context(), req)
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, &sendMessageResponse{
		UserMessage:      convertMessage(resp.UserMessage),
		AssistantMessage: convertMessage(resp.AssistantMessage),
		Cached:           resp.Cached,
		QuotaRemaining:   resp.QuotaRemaining,
	})
}

func (s *APIV1Service) sendMessageStream(c echo.Context, req *chat.SendMessageRequest) error {
	resp, err := s.Pipeline.SendMessageStream(c.Request().Context(), req, func(chunk string) error {
		return writeStreamEvent(c, &chat.StreamEvent{
			Type:    chat.StreamEventChunk,
			Content: chunk,
		})
	})
	if err != nil {
		// Rejections before the first chunk still get a proper status code.
		if !c.Response().Committed {
			return s.errorJSON(c, err)
		}
		if c.Request().Context().Err() != nil {
			// The client is gone; nothing left to deliver.
			return nil
		}
		return writeStreamEvent(c, &chat.StreamEvent{
			Type: chat.StreamEventError,
			Code: string(errors.GetCodeFromError(err, errors.ErrCodeGenerationFailed)),
		})
	}

	return writeStreamEvent(c, &chat.StreamEvent{
		Type:           chat.StreamEventComplete,
		MessageUID:     resp.AssistantMessage.UID,
		Cached:         resp.Cached,
		QuotaRemaining: resp.QuotaRemaining,
	})
}

// writeStreamEvent emits one server-sent event. The SSE headers go out with
// the first event, so a rejection before any output can still be a plain JSON
// error with its own status code.
func writeStreamEvent(c echo.Context, event *chat.StreamEvent) error {
	if !c.Response().Committed {
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// ClearConversation wipes the conversation's messages and counters. The
// conversation itself survives.
func (s *APIV1Service) ClearConversation(c echo.Context) error {
	if err := s.Pipeline.ClearConversation(c.Request().Context(), c.Param("uid"), userIDFromContext(c)); err != nil {
		return s.errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rateMessageBody struct {
	Rating   int32  `json:"rating"`
	Feedback string `json:"feedback"`
}

// RateMessage records a 1..5 rating on an assistant message.
func (s *APIV1Service) RateMessage(c echo.Context) error {
	var body rateMessageBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed request body",
		})
	}

	msg, err := s.Pipeline.RateMessage(c.Request().Context(), c.Param("uid"), c.Param("messageUid"),
		userIDFromContext(c), body.Rating, body.Feedback)
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertMessage(msg))
}

type reportMessageBody struct {
	Reason string `json:"reason"`
}

// ReportMessage flags an assistant message for review.
func (s *APIV1Service) ReportMessage(c echo.Context) error {
	var body reportMessageBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed request body",
		})
	}

	if err := s.Pipeline.ReportMessage(c.Request().Context(), c.Param("uid"), c.Param("messageUid"),
		userIDFromContext(c), body.Reason); err != nil {
		return s.errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSuggestions returns the conversation's unused suggested questions.
func (s *APIV1Service) ListSuggestions(c echo.Context) error {
	suggestions, err := s.Pipeline.ListSuggestions(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertSuggestions(suggestions))
}

// RefreshSuggestions regenerates the conversation's suggested questions.
func (s *APIV1Service) RefreshSuggestions(c echo.Context) error {
	suggestions, err := s.Pipeline.RefreshSuggestions(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertSuggestions(suggestions))
}

// UseSuggestion marks a suggested question as consumed.
func (s *APIV1Service) UseSuggestion(c echo.Context) error {
	suggestionID, err := strconv.ParseInt(c.Param("suggestionId"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed suggestion id",
		})
	}

	suggestion, err := s.Pipeline.MarkSuggestionUsed(c.Request().Context(), c.Param("uid"),
		userIDFromContext(c), int32(suggestionID))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertSuggestion(suggestion))
}

type createVariantBody struct {
	Parameters map[string]string `json:"parameters"`
}

// CreateVariant spawns a derivative analysis from the conversation.
func (s *APIV1Service) CreateVariant(c echo.Context) error {
	var body createVariantBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Code:    string(errors.ErrCodeValidationFailed),
			Message: "malformed request body",
		})
	}

	variant, err := s.Pipeline.CreateVariant(c.Request().Context(), c.Param("uid"), userIDFromContext(c), body.Parameters)
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, convertVariant(variant))
}

// ListVariants returns the variants spawned from the conversation.
func (s *APIV1Service) ListVariants(c echo.Context) error {
	variants, err := s.Pipeline.ListVariants(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}

	out := make([]*variantResponse, 0, len(variants))
	for _, v := range variants {
		out = append(out, convertVariant(v))
	}
	return c.JSON(http.StatusOK, out)
}

// CompareVariants diffs each variant against the parent analysis.
func (s *APIV1Service) CompareVariants(c echo.Context) error {
	comparisons, err := s.Pipeline.CompareVariants(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, comparisons)
}

// GetStats returns the conversation's analytics counters.
func (s *APIV1Service) GetStats(c echo.Context) error {
	stats, err := s.Pipeline.GetStats(c.Request().Context(), c.Param("uid"), userIDFromContext(c))
	if err != nil {
		return s.errorJSON(c, err)
	}
	resp := &statsResponse{}
	if stats != nil {
		resp.QuestionCount = stats.QuestionCount
		resp.TotalTokens = stats.TotalTokens
	}
	return c.JSON(http.StatusOK, resp)
}

// GetQuota reports the caller's consumed daily quota.
func (s *APIV1Service) GetQuota(c echo.Context) error {
	return c.JSON(http.StatusOK, &quotaResponse{
		Used: s.Pipeline.Limiter().Usage(userIDFromContext(c)),
		Tier: string(tierFromContext(c)),
	})
}

// errorJSON maps a pipeline error to an HTTP status and a caller-safe body.
// Server-side detail stays in the logs.
func (s *APIV1Service) errorJSON(c echo.Context, err error) error {
	chatErr := errors.FromError(err)
	if chatErr == nil {
		slog.Error("unclassified handler error", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{
			Code:    string(errors.ErrCodePersistenceFailed),
			Message: "internal error",
		})
	}

	if !chatErr.IsClientError() {
		slog.Error("request failed", "code", chatErr.Code, "error", err)
	}

	body := errorBody{
		Code:    string(chatErr.Code),
		Message: chatErr.UserMessage(),
	}
	if resetAt, ok := chatErr.Context["resetAt"].(time.Time); ok {
		body.ResetAt = resetAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(statusForCode(chatErr.Code), body)
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case errors.ErrCodeValidationFailed, errors.ErrCodeInjectionDetected:
		return http.StatusBadRequest
	case errors.ErrCodeContentRejected:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeAnalysisNotFound, errors.ErrCodeConversationNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func convertConversation(conversation *store.Conversation) *conversationResponse {
	return &conversationResponse{
		UID:        conversation.UID,
		AnalysisID: conversation.AnalysisID,
		VariantIDs: conversation.VariantIDs,
		CreatedTs:  conversation.CreatedTs,
		UpdatedTs:  conversation.UpdatedTs,
	}
}

func convertMessage(msg *store.Message) *messageResponse {
	return &messageResponse{
		UID:              msg.UID,
		Role:             string(msg.Role),
		Content:          msg.Content,
		Status:           string(msg.Status),
		Cached:           msg.Cached,
		TokensIn:         msg.TokensIn,
		TokensOut:        msg.TokensOut,
		ProcessingTimeMs: msg.ProcessingTimeMs,
		Rating:           msg.Rating,
		Feedback:         msg.Feedback,
		Reported:         msg.Reported,
		CreatedTs:        msg.CreatedTs,
	}
}

func convertSuggestion(suggestion *store.SuggestedQuestion) *suggestionResponse {
	return &suggestionResponse{
		ID:       suggestion.ID,
		Content:  suggestion.Content,
		Category: suggestion.Category,
		Priority: suggestion.Priority,
	}
}

func convertSuggestions(suggestions []*store.SuggestedQuestion) []*suggestionResponse {
	out := make([]*suggestionResponse, 0, len(suggestions))
	for _, suggestion := range suggestions {
		out = append(out, convertSuggestion(suggestion))
	}
	return out
}

func convertVariant(variant *store.AnalysisVariant) *variantResponse {
	return &variantResponse{
		UID:        variant.UID,
		AnalysisID: variant.AnalysisID,
		Parameters: variant.Parameters,
		CreatedTs:  variant.CreatedTs,
	}
}
