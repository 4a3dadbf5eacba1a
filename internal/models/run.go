// internal/models/run.go
package models

import "time"

// RunSummary counts what a dataset run did.
type RunSummary struct {
	RunID       string        `json:"runId"`
	Dataset     string        `json:"dataset"`
	Total       int           `json:"total"`
	Skipped     int           `json:"skipped"`
	Succeeded   int           `json:"succeeded"`
	Exhausted   int           `json:"exhausted"`
	Failed      int           `json:"failed"`
	Interrupted int           `json:"interrupted"` // cut off by cancellation, not written
	Duration    time.Duration `json:"duration"`
}

// Add counts one finished record.
func (s *RunSummary) Add(outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeExhausted:
		s.Exhausted++
	default:
		s.Failed++
	}
}
