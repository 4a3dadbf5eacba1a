// internal/models/outcome.go
package models

// Outcome describes how a conversation terminated.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFailure   Outcome = "failure"
)

// AnswerRecord is the persisted result of answering one question.
type AnswerRecord struct {
	QuestionID string       `json:"question_id" db:"question_id"`
	Question   string       `json:"question" db:"question"`
	Prediction string       `json:"prediction" db:"prediction"`
	Outcome    Outcome      `json:"outcome" db:"outcome"`
	Turns      int          `json:"turns" db:"turns"`
	Trace      TraceSummary `json:"trace" db:"trace"`
	Error      string       `json:"error,omitempty" db:"error"`
}
