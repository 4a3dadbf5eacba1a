// internal/runner/sink.go
package runner

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"omnisearch/internal/models"
)

// OutputFileName is the per-dataset results file.
const OutputFileName = "output_from_llm.jsonl"

// Sink persists answered records.
type Sink interface {
	Write(ctx context.Context, rec Record, answer models.AnswerRecord) error
}

// ==========================
// JSONL sink
// ==========================

// JSONLSink appends one line per answered record. The line is the input
// record plus prediction, outcome, turns and trace.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

func NewJSONLSink(outputDir, dataset string) (*JSONLSink, error) {
	dir := filepath.Join(outputDir, dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &JSONLSink{path: filepath.Join(dir, OutputFileName)}, nil
}

func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Write(_ context.Context, rec Record, answer models.AnswerRecord) error {
	line := make(map[string]interface{}, len(rec.Fields)+4)
	for k, v := range rec.Fields {
		line[k] = v
	}
	line["prediction"] = answer.Prediction
	line["outcome"] = answer.Outcome
	line["turns"] = answer.Turns
	line["trace"] = answer.Trace
	if answer.Error != "" {
		line["error"] = answer.Error
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DoneIDs returns the question ids already present in the output file.
func (s *JSONLSink) DoneIDs() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]bool)
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var line struct {
			QuestionID interface{} `json:"question_id"`
		}
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.UseNumber()
		if err := dec.Decode(&line); err != nil {
			// a partially written trailing line is re-run
			continue
		}
		if id := NormalizeID(line.QuestionID); id != "" {
			done[id] = true
		}
	}
	return done, scanner.Err()
}

// ==========================
// Postgres sink
// ==========================

const upsertResultSQL = `
INSERT INTO conversation_results (run_id, dataset, question_id, question, prediction, outcome, turns, trace, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (dataset, question_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	prediction = EXCLUDED.prediction,
	outcome = EXCLUDED.outcome,
	turns = EXCLUDED.turns,
	trace = EXCLUDED.trace,
	error = EXCLUDED.error`

// PostgresSink upserts results into conversation_results.
type PostgresSink struct {
	db      *sql.DB
	runID   string
	dataset string
}

func NewPostgresSink(db *sql.DB, runID, dataset string) *PostgresSink {
	return &PostgresSink{db: db, runID: runID, dataset: dataset}
}

func (s *PostgresSink) Write(ctx context.Context, rec Record, answer models.AnswerRecord) error {
	trace, err := json.Marshal(answer.Trace)
	if err != nil {
		return err
	}

	var errText sql.NullString
	if answer.Error != "" {
		errText = sql.NullString{String: answer.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, upsertResultSQL,
		s.runID, s.dataset, answer.QuestionID, rec.Question, answer.Prediction,
		string(answer.Outcome), answer.Turns, trace, errText,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation result: %w", err)
	}
	return nil
}
