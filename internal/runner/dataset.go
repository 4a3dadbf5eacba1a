// internal/runner/dataset.go
package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"omnisearch/internal/common/validation"
)

var ErrInvalidRecord = errors.New("INVALID_DATASET_RECORD")

// maxLineBytes bounds one JSONL record; inline base64 images can be large.
const maxLineBytes = 16 << 20

// Record is one dataset line. Fields holds every original key so the output
// line can echo the input.
type Record struct {
	QuestionID string
	Question   string
	ImageURL   string
	Fields     map[string]interface{}
}

// LoadDataset reads a JSONL file and validates every non-blank line.
func LoadDataset(path string, v *validation.Validator) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		rec, err := parseRecord(raw, v)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return records, nil
}

func parseRecord(raw []byte, v *validation.Validator) (Record, error) {
	if v != nil {
		res, err := v.ValidateJSON(raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if !res.Valid {
			return Record{}, fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(res.GetErrorMessages(), "; "))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	question, _ := fields["question"].(string)
	imageURL, _ := fields["image_url"].(string)
	return Record{
		QuestionID: NormalizeID(fields["question_id"]),
		Question:   question,
		ImageURL:   imageURL,
		Fields:     fields,
	}, nil
}

// NormalizeID renders a question id as a string whether it was stored as a
// JSON string or number.
func NormalizeID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
