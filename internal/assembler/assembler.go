// internal/assembler/assembler.go
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
	"omnisearch/internal/retrieval"
)

const (
	ImagesHeader      = "Contents of retrieved images:"
	DescriptionPrefix = "Description: "
	DocumentsPrompt   = "Below are related documents, which may be helpful for answering questions later on:"
	DocumentsHeader   = "Contents of retrieved documents:"

	// MaxImagesPerRound caps attachments from a single retrieval round.
	MaxImagesPerRound = 5
)

var ErrAuxiliaryAnswerFailed = errors.New("AUXILIARY_ANSWER_FAILED")

// Input is one round of evidence to turn into a user message.
type Input struct {
	Evidence       retrieval.EvidenceBundle
	SubQuestion    string
	QuotaRemaining int
	CorrelationID  string
}

// Assembler builds the user message that carries retrieved evidence back to
// the model.
type Assembler struct {
	client llm.Client
	logger logger.Logger
}

func New(client llm.Client, log logger.Logger) *Assembler {
	return &Assembler{
		client: client,
		logger: log.With(map[string]interface{}{"component": "assembler"}),
	}
}

// Assemble returns the remaining image quota and the fragment to append.
// The returned quota is never greater than in.QuotaRemaining and never negative.
func (a *Assembler) Assemble(ctx context.Context, in Input) (int, models.Message) {
	quota := in.QuotaRemaining
	if quota < 0 {
		quota = 0
	}

	if len(in.Evidence.Images) > 0 {
		return a.assembleImages(in.Evidence, quota)
	}
	return quota, a.assembleDocuments(ctx, in)
}

func (a *Assembler) assembleImages(evidence retrieval.EvidenceBundle, quota int) (int, models.Message) {
	pairs := min(len(evidence.Images), len(evidence.Texts))
	use := min(MaxImagesPerRound, quota, pairs)

	lines := []string{ImagesHeader}
	images := make([]models.Image, 0, use)
	for i := 0; i < use; i++ {
		lines = append(lines, DescriptionPrefix+evidence.Texts[i])
		images = append(images, evidence.Images[i].Image())
	}

	metrics.ImagesAttached.Add(float64(use))
	if use < len(evidence.Images) {
		a.logger.Debug("image quota limited attachments", map[string]interface{}{
			"retrieved": len(evidence.Images),
			"attached":  use,
			"quota":     quota,
		})
	}

	return quota - use, models.UserMessage(strings.Join(lines, "\n"), images...)
}

// assembleDocuments asks the model to answer the sub-question from the text
// snippets alone and forwards that answer. The snippets are forwarded
// verbatim when the auxiliary call fails.
func (a *Assembler) assembleDocuments(ctx context.Context, in Input) models.Message {
	answer, err := a.auxiliaryAnswer(ctx, in)
	if err != nil {
		a.logger.Warn("auxiliary answer failed, using raw documents", map[string]interface{}{
			"correlationId": in.CorrelationID,
			"error":         err.Error(),
		})
		lines := append([]string{DocumentsHeader}, in.Evidence.Texts...)
		return models.UserMessage(strings.Join(lines, "\n"))
	}

	return models.UserMessage(DocumentsHeader + "\n" + answer)
}

func (a *Assembler) auxiliaryAnswer(ctx context.Context, in Input) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("%w: no model client", ErrAuxiliaryAnswerFailed)
	}

	reply, err := a.client.Call(ctx, []models.Message{models.UserMessage(documentsPrompt(in.Evidence.Texts, in.SubQuestion))}, in.CorrelationID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuxiliaryAnswerFailed, err)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrAuxiliaryAnswerFailed)
	}
	return text, nil
}

// documentsPrompt lists the snippets and restates the sub-question.
func documentsPrompt(texts []string, subQuestion string) string {
	lines := make([]string, 0, len(texts)+2)
	lines = append(lines, DocumentsPrompt)
	lines = append(lines, texts...)
	lines = append(lines, strings.TrimSpace(subQuestion)+" Answer:")
	return strings.Join(lines, "\n")
}
