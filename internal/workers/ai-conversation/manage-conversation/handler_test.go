// internal/workers/ai-conversation/manage-conversation/handler_test.go
package manageconversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisearch/internal/common/config"
	apperrors "omnisearch/internal/common/errors"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/conversation"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
	"omnisearch/internal/retrieval"
)

// ==========================
// Test Helper Functions
// ==========================

type stubConversations struct {
	result *conversation.Result
	err    error
	seen   []conversation.Input
}

func (s *stubConversations) ManageConversation(ctx context.Context, in conversation.Input) (*conversation.Result, error) {
	s.seen = append(s.seen, in)
	return s.result, s.err
}

func createTestConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		MaxTurns: 5,
	}
}

func newTestHandler(t *testing.T, conv Conversations) *Handler {
	return NewHandler(createTestConfig(), conv, logger.NewTestLogger(t))
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	conv := &stubConversations{result: &conversation.Result{
		Answer:  "Golden Retriever",
		Outcome: models.OutcomeSuccess,
		Turns:   1,
		Trace: models.Trace{{
			Turn:        0,
			Thought:     "need a reference photo",
			Action:      "Image Retrieval with Text Query",
			Query:       "golden retriever",
			SubQuestion: "what breed is it",
		}},
	}}
	h := newTestHandler(t, conv)

	out, err := h.Execute(context.Background(), &Input{
		Question:   "What breed is this dog?",
		QuestionID: "q1",
		ImageURL:   "https://example.com/dog.jpg",
	})

	require.NoError(t, err)
	assert.Equal(t, "Golden Retriever", out.Answer)
	assert.Equal(t, models.OutcomeSuccess, out.Outcome)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, []string{"Image Retrieval with Text Query"}, out.Trace.Search)

	require.Len(t, conv.seen, 1)
	assert.Equal(t, "https://example.com/dog.jpg", conv.seen[0].ImageRef)
	assert.Equal(t, 5, conv.seen[0].MaxTurns)
}

func TestHandler_Execute_MaxTurnsOverride(t *testing.T) {
	conv := &stubConversations{result: &conversation.Result{Answer: "partial", Outcome: models.OutcomeExhausted, Turns: 2}}
	h := newTestHandler(t, conv)

	out, err := h.Execute(context.Background(), &Input{Question: "q", MaxTurns: 2})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExhausted, out.Outcome)
	assert.Equal(t, "partial", out.Answer)
	assert.Equal(t, 2, conv.seen[0].MaxTurns)
}

func TestHandler_Execute_AssignsQuestionIDWhenMissing(t *testing.T) {
	conv := &stubConversations{result: &conversation.Result{Answer: "1889", Outcome: models.OutcomeSuccess, Turns: 1}}
	h := newTestHandler(t, conv)

	_, err := h.Execute(context.Background(), &Input{Question: "When was the tower completed?"})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), &Input{Question: "What breed is this dog?"})
	require.NoError(t, err)

	require.Len(t, conv.seen, 2)
	assert.NotEmpty(t, conv.seen[0].QuestionID)
	assert.NotEmpty(t, conv.seen[1].QuestionID)
	assert.NotEqual(t, conv.seen[0].QuestionID, conv.seen[1].QuestionID)
}

// ==========================
// Error Mapping Tests
// ==========================

func TestHandler_Execute_Failures(t *testing.T) {
	tests := []struct {
		name     string
		result   *conversation.Result
		err      error
		wantCode apperrors.ErrorCode
	}{
		{
			name:     "invalid input",
			err:      fmt.Errorf("%w: question is empty", conversation.ErrInvalidInput),
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "model call failed",
			result:   &conversation.Result{Outcome: models.OutcomeFailure, Err: fmt.Errorf("%w: status 500", llm.ErrModelCallFailed)},
			wantCode: apperrors.ErrCodeModelCallFailed,
		},
		{
			name:     "model timeout",
			result:   &conversation.Result{Outcome: models.OutcomeFailure, Err: llm.ErrModelTimeout},
			wantCode: apperrors.ErrCodeModelTimeout,
		},
		{
			name:     "retrieval exhausted",
			result:   &conversation.Result{Outcome: models.OutcomeFailure, Err: fmt.Errorf("%w: 5 attempts", retrieval.ErrRetrievalExhausted)},
			wantCode: apperrors.ErrCodeRetrievalExhausted,
		},
		{
			name:     "unknown failure",
			result:   &conversation.Result{Outcome: models.OutcomeFailure, Err: errors.New("disk full")},
			wantCode: apperrors.ErrCodeInternal,
		},
		{
			name:     "failure without cause",
			result:   &conversation.Result{Outcome: models.OutcomeFailure},
			wantCode: apperrors.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubConversations{result: tt.result, err: tt.err})

			out, err := h.Execute(context.Background(), &Input{Question: "q"})

			assert.Nil(t, out)
			var stdErr *apperrors.StandardError
			require.ErrorAs(t, err, &stdErr)
			assert.Equal(t, tt.wantCode, stdErr.Code)
		})
	}
}

func TestClassify_BPMNCodes(t *testing.T) {
	bpmn := apperrors.ConvertToBPMNError(classify(llm.ErrModelTimeout))
	assert.Equal(t, "MODEL_CALL_FAILED", bpmn.Code)
	assert.Equal(t, 1, bpmn.Retries)

	bpmn = apperrors.ConvertToBPMNError(classify(conversation.ErrInvalidInput))
	assert.Equal(t, "INVALID_CONVERSATION_INPUT", bpmn.Code)
	assert.Equal(t, 0, bpmn.Retries)
}

// ==========================
// Input Validation Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	tests := []struct {
		name      string
		variables string
		wantErr   bool
	}{
		{"valid", `{"question": "Who is this?", "questionId": "q1", "imageUrl": "https://x/y.png"}`, false},
		{"extra process variables", `{"question": "Who?", "applicationId": 7}`, false},
		{"missing question", `{"questionId": "q1"}`, true},
		{"empty question", `{"question": ""}`, true},
		{"max turns out of range", `{"question": "Who?", "maxTurns": 50}`, true},
		{"question id with path separator", `{"question": "Who?", "questionId": "../../etc/x"}`, true},
		{"question id is a parent reference", `{"question": "Who?", "questionId": ".."}`, true},
		{"malformed json", `{"question": `, true},
	}

	h := newTestHandler(t, &stubConversations{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := h.parseInput(tt.variables)
			if tt.wantErr {
				var stdErr *apperrors.StandardError
				require.ErrorAs(t, err, &stdErr)
				assert.Equal(t, apperrors.ErrCodeInvalidInput, stdErr.Code)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, input.Question)
		})
	}
}

// ==========================
// Config Tests
// ==========================

func TestLoadConfig(t *testing.T) {
	c := LoadConfig(nil)
	assert.Equal(t, 5*time.Minute, c.Timeout)
	assert.Equal(t, 5, c.MaxTurns)

	cfg := &config.Config{
		Workers:      map[string]config.WorkerConfig{TaskType: {Enabled: true, Timeout: 60000}},
		Conversation: config.ConversationConfig{MaxTurns: 3},
	}
	c = LoadConfig(cfg)
	assert.Equal(t, time.Minute, c.Timeout)
	assert.Equal(t, 3, c.MaxTurns)
}
