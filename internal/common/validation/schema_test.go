package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetRecordSchema(t *testing.T) {
	v := MustValidator(DatasetRecordSchema)

	tests := []struct {
		name      string
		doc       string
		valid     bool
		errField  string
		errorCode string
	}{
		{"string id", `{"question":"What breed?","question_id":"a1","image_url":"https://img/x.jpg"}`, true, "", ""},
		{"integer id without image", `{"question":"What breed?","question_id":7}`, true, "", ""},
		{"null image", `{"question":"q","question_id":1,"image_url":null,"extra":true}`, true, "", ""},
		{"missing question", `{"question_id":1}`, false, "question", "REQUIRED_FIELD_MISSING"},
		{"empty question", `{"question":"","question_id":1}`, false, "question", "MIN_LENGTH_VIOLATION"},
		{"float id", `{"question":"q","question_id":1.5}`, false, "question_id", "INVALID_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.ValidateJSON([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.GetErrorMessages())
			if !tt.valid {
				assert.True(t, res.HasErrors(tt.errField), res.GetErrorMessages())
				assert.Equal(t, tt.errorCode, res.Errors[0].Code)
			}
		})
	}
}

func TestConversationInputSchema(t *testing.T) {
	v := MustValidator(ConversationInputSchema)

	res, err := v.ValidateInput(map[string]interface{}{"question": "q", "maxTurns": 3})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.ValidateInput(map[string]interface{}{"question": "q", "maxTurns": 0})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.HasErrors("maxTurns"))

	for _, id := range []string{"q-17", ""} {
		res, err = v.ValidateInput(map[string]interface{}{"question": "q", "questionId": id})
		require.NoError(t, err)
		assert.True(t, res.Valid, id)
	}
	for _, id := range []string{"../x", `a\b`, ".", ".."} {
		res, err = v.ValidateInput(map[string]interface{}{"question": "q", "questionId": id})
		require.NoError(t, err)
		assert.False(t, res.Valid, id)
	}
}

func TestValidateJSON_Malformed(t *testing.T) {
	v := MustValidator(DatasetRecordSchema)

	_, err := v.ValidateJSON([]byte(`{"question":`))
	assert.Error(t, err)
}

func TestNewValidator_BadSchema(t *testing.T) {
	_, err := NewValidator(`{"type": 12}`)
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	assert.True(t, ValidateURL("https://example.com/a.png"))
	assert.False(t, ValidateURL("/local/a.png"))
}
