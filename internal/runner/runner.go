// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/conversation"
	"omnisearch/internal/models"
)

const (
	statusSkipped     = "skipped"
	statusWriteError  = "write_error"
	statusRejected    = "rejected"
	statusInterrupted = "interrupted"
)

// Conversations answers one question.
type Conversations interface {
	ManageConversation(ctx context.Context, in conversation.Input) (*conversation.Result, error)
}

// Notifier is told about finished runs.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, summary models.RunSummary) error
}

type Options struct {
	Dataset       string
	RunID         string
	Concurrency   int
	Conversations Conversations
	// Output receives every answer and decides which records are already done.
	Output *JSONLSink
	// Extra sinks get the same writes; their failures are logged only.
	Extra    []Sink
	Notifier Notifier
	Logger   logger.Logger
}

// Runner answers a dataset with a bounded number of concurrent
// conversations.
type Runner struct {
	dataset       string
	runID         string
	concurrency   int
	conversations Conversations
	output        *JSONLSink
	extra         []Sink
	notifier      Notifier
	logger        logger.Logger
}

func New(opts Options) *Runner {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		dataset:       opts.Dataset,
		runID:         runID,
		concurrency:   concurrency,
		conversations: opts.Conversations,
		output:        opts.Output,
		extra:         opts.Extra,
		notifier:      opts.Notifier,
		logger: opts.Logger.With(map[string]interface{}{
			"component": "runner",
			"dataset":   opts.Dataset,
			"runId":     runID,
		}),
	}
}

func (r *Runner) RunID() string { return r.runID }

// Run answers every record not already present in the output. Cancelling ctx
// stops dispatch; conversations in flight are abandoned without being written,
// so the next run picks them up again.
func (r *Runner) Run(ctx context.Context, records []Record) (models.RunSummary, error) {
	start := time.Now()
	summary := models.RunSummary{RunID: r.runID, Dataset: r.dataset, Total: len(records)}

	done, err := r.output.DoneIDs()
	if err != nil {
		return summary, err
	}

	r.logger.Info("dataset run started", map[string]interface{}{
		"records":     len(records),
		"alreadyDone": len(done),
		"concurrency": r.concurrency,
	})

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(r.concurrency)

dispatch:
	for _, rec := range records {
		if done[rec.QuestionID] {
			summary.Skipped++
			metrics.DatasetRecordsTotal.WithLabelValues(statusSkipped).Inc()
			continue
		}

		select {
		case <-ctx.Done():
			break dispatch
		default:
		}

		rec := rec
		p.Go(func() {
			outcome, finished := r.answer(ctx, rec)
			mu.Lock()
			if finished {
				summary.Add(outcome)
			} else {
				summary.Interrupted++
			}
			mu.Unlock()
		})
	}
	p.Wait()

	summary.Duration = time.Since(start)
	r.logger.Info("dataset run finished", map[string]interface{}{
		"total":       summary.Total,
		"skipped":     summary.Skipped,
		"succeeded":   summary.Succeeded,
		"exhausted":   summary.Exhausted,
		"failed":      summary.Failed,
		"interrupted": summary.Interrupted,
		"duration":    summary.Duration.String(),
	})

	if r.notifier != nil {
		if err := r.notifier.NotifyRunCompleted(context.WithoutCancel(ctx), summary); err != nil {
			r.logger.Warn("run notification failed", map[string]interface{}{"error": err.Error()})
		}
	}

	return summary, ctx.Err()
}

// answer runs one conversation and writes it to every sink. finished is false
// when ctx was cancelled before the conversation completed.
func (r *Runner) answer(ctx context.Context, rec Record) (outcome models.Outcome, finished bool) {
	log := r.logger.With(map[string]interface{}{"questionId": rec.QuestionID})

	answer := models.AnswerRecord{QuestionID: rec.QuestionID, Question: rec.Question}

	res, err := r.conversations.ManageConversation(ctx, conversation.Input{
		Question:   rec.Question,
		ImageRef:   rec.ImageURL,
		QuestionID: rec.QuestionID,
	})
	if interrupted(ctx, res, err) {
		metrics.DatasetRecordsTotal.WithLabelValues(statusInterrupted).Inc()
		log.Info("record interrupted, leaving it for the next run", nil)
		return models.OutcomeFailure, false
	}

	switch {
	case err != nil:
		answer.Outcome = models.OutcomeFailure
		answer.Error = err.Error()
		status := string(models.OutcomeFailure)
		if errors.Is(err, conversation.ErrInvalidInput) {
			status = statusRejected
		}
		metrics.DatasetRecordsTotal.WithLabelValues(status).Inc()
		log.Warn("record rejected", map[string]interface{}{"error": err.Error()})
	default:
		answer.Prediction = res.Answer
		answer.Outcome = res.Outcome
		answer.Turns = res.Turns
		answer.Trace = res.Trace.Summary()
		if res.Err != nil {
			answer.Error = res.Err.Error()
		}
		metrics.DatasetRecordsTotal.WithLabelValues(string(res.Outcome)).Inc()
	}

	if err := r.output.Write(ctx, rec, answer); err != nil {
		metrics.DatasetRecordsTotal.WithLabelValues(statusWriteError).Inc()
		log.Error("failed to write answer", map[string]interface{}{"error": err.Error()})
	}
	for _, s := range r.extra {
		if err := s.Write(ctx, rec, answer); err != nil {
			log.Warn("secondary sink write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return answer.Outcome, true
}

func interrupted(ctx context.Context, res *conversation.Result, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	return res != nil && errors.Is(res.Err, context.Canceled)
}
