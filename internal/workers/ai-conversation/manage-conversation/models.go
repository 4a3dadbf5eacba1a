// internal/workers/ai-conversation/manage-conversation/models.go
package manageconversation

import "omnisearch/internal/models"

type Input struct {
	Question   string `json:"question"`
	QuestionID string `json:"questionId"`
	ImageURL   string `json:"imageUrl"`
	MaxTurns   int    `json:"maxTurns"`
}

type Output struct {
	Answer  string              `json:"answer"`
	Outcome models.Outcome      `json:"outcome"`
	Turns   int                 `json:"turns"`
	Trace   models.TraceSummary `json:"trace"`
}
