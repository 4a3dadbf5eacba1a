// internal/workers/ai-conversation/manage-conversation/handler.go
package manageconversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"

	apperrors "omnisearch/internal/common/errors"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/common/validation"
	"omnisearch/internal/conversation"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
	"omnisearch/internal/retrieval"
)

const (
	TaskType = "manage-conversation"
)

// Conversations answers one question.
type Conversations interface {
	ManageConversation(ctx context.Context, in conversation.Input) (*conversation.Result, error)
}

type Handler struct {
	config        *Config
	conversations Conversations
	validator     *validation.Validator
	errorHandler  *apperrors.ErrorHandler
	obs           *observability.Observability
	logger        logger.Logger
}

func NewHandler(config *Config, conversations Conversations, log logger.Logger) *Handler {
	l := log.With(map[string]interface{}{
		"taskType": TaskType,
	})
	return &Handler{
		config:        config,
		conversations: conversations,
		validator:     validation.MustValidator(validation.ConversationInputSchema),
		errorHandler:  apperrors.NewErrorHandler(l),
		logger:        l,
	}
}

// WithObservability records job counts and durations through obs.
func (h *Handler) WithObservability(obs *observability.Observability) *Handler {
	h.obs = obs
	return h
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job.Variables)
	if err != nil {
		h.record(ctx, start, "failed")
		h.fail(ctx, client, job, err)
		return
	}

	output, err := h.execute(ctx, input)
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	if err != nil {
		h.record(ctx, start, "failed")
		h.fail(ctx, client, job, err)
		return
	}

	h.record(ctx, start, "completed")
	h.completeJob(client, job, output)
}

func (h *Handler) record(ctx context.Context, start time.Time, status string) {
	if h.obs == nil {
		return
	}
	h.obs.RecordJobProcessed(ctx, status)
	h.obs.RecordJobDuration(ctx, time.Since(start), status)
}

func (h *Handler) parseInput(variables string) (*Input, error) {
	result, err := h.validator.ValidateJSON([]byte(variables))
	if err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if !result.Valid {
		return nil, apperrors.NewInvalidInputError(strings.Join(result.GetErrorMessages(), "; "))
	}

	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	maxTurns := input.MaxTurns
	if maxTurns <= 0 {
		maxTurns = h.config.MaxTurns
	}

	// evidence files and cache entries are keyed by question id
	questionID := input.QuestionID
	if questionID == "" {
		questionID = uuid.NewString()
	}

	res, err := h.conversations.ManageConversation(ctx, conversation.Input{
		Question:   input.Question,
		ImageRef:   input.ImageURL,
		QuestionID: questionID,
		MaxTurns:   maxTurns,
	})
	if err != nil {
		return nil, classify(err)
	}
	if res.Outcome == models.OutcomeFailure {
		return nil, classify(res.Err)
	}

	h.logger.Info("conversation completed", map[string]interface{}{
		"questionId": questionID,
		"outcome":    string(res.Outcome),
		"turns":      res.Turns,
	})

	return &Output{
		Answer:  res.Answer,
		Outcome: res.Outcome,
		Turns:   res.Turns,
		Trace:   res.Trace.Summary(),
	}, nil
}

// classify maps loop failures onto the BPMN error codes of the workflow.
func classify(err error) *apperrors.StandardError {
	switch {
	case err == nil:
		return apperrors.NewInternalError(errors.New("conversation failed without a cause"))
	case errors.Is(err, conversation.ErrInvalidInput):
		return apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, llm.ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewModelTimeoutError(err)
	case errors.Is(err, llm.ErrModelCallFailed), errors.Is(err, llm.ErrContentFiltered):
		return apperrors.NewModelCallFailedError(err)
	case errors.Is(err, retrieval.ErrRetrievalExhausted):
		return apperrors.NewRetrievalExhaustedError(err)
	default:
		return apperrors.NewInternalError(err)
	}
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)

	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}

	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("Failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr := apperrors.Normalize(err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(stdErr.Code)).Inc()
	h.errorHandler.HandleJobError(context.WithoutCancel(ctx), client, job, stdErr)
}

// Execute runs the conversation without a job client.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
