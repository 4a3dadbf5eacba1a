// internal/models/trace.go
package models

// TraceEntry records one retrieval round of a conversation.
type TraceEntry struct {
	Turn        int    `json:"turn"`
	Thought     string `json:"thought"`
	Action      string `json:"action"`
	Query       string `json:"query,omitempty"`
	SubQuestion string `json:"subQuestion"`
}

// Trace is the append-only list of retrieval rounds.
type Trace []TraceEntry

// Thoughts returns the model's reasoning for each round, in order.
func (t Trace) Thoughts() []string {
	out := make([]string, 0, len(t))
	for _, e := range t {
		out = append(out, e.Thought)
	}
	return out
}

// SearchActions returns the retrieval action taken in each round.
func (t Trace) SearchActions() []string {
	out := make([]string, 0, len(t))
	for _, e := range t {
		out = append(out, e.Action)
	}
	return out
}

// SubQuestions returns the sub-question posed in each round.
func (t Trace) SubQuestions() []string {
	out := make([]string, 0, len(t))
	for _, e := range t {
		out = append(out, e.SubQuestion)
	}
	return out
}

// TraceSummary is the persisted shape of a trace.
type TraceSummary struct {
	Thoughts     []string `json:"thoughts"`
	Search       []string `json:"search"`
	SubQuestions []string `json:"sub_questions"`
}

// Summary flattens the trace into parallel lists.
func (t Trace) Summary() TraceSummary {
	return TraceSummary{
		Thoughts:     t.Thoughts(),
		Search:       t.SearchActions(),
		SubQuestions: t.SubQuestions(),
	}
}
