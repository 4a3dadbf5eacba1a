// internal/conversation/prompt.go
package conversation

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// QuestionPlaceholder is replaced with the user's question.
const QuestionPlaceholder = "{question}"

var ErrInvalidPrompt = errors.New("prompt template must contain " + QuestionPlaceholder)

// DefaultPrompt instructs the model to either answer or request one retrieval
// per turn using the control phrases understood by the action parser.
const DefaultPrompt = `You are a helpful multimodal question answering assistant. You may be given an image together with the question. Solve the question step by step. When your own knowledge and the provided content are not enough, request exactly one retrieval per reply.

Available retrieval actions:
1. Text Retrieval: search the web for text documents with a text query.
2. Image Retrieval with Text Query: search the web for an image with a text query.
3. Image Retrieval with Input Image: search the web for images similar to the input image.

Reply in this format when you need more information:
<Thought>
Your analysis of what is still unknown.
<Sub-Question>
The narrower question that the retrieval should answer.
<Actions>
One of: Text Retrieval: <query> | Image Retrieval with Text Query: <query> | Image Retrieval with Input Image

When you can answer, reply in this format:
<Thought>
Your reasoning.
Final Answer: <the answer, as short as possible>

Retrieved content will be sent back to you in the next message. Do not repeat a retrieval that already failed to help.

Question: {question}`

// FormatPrompt substitutes question into template.
func FormatPrompt(template, question string) string {
	return strings.ReplaceAll(template, QuestionPlaceholder, strings.TrimSpace(question))
}

// LoadPrompt reads a prompt template from path. An empty path yields
// DefaultPrompt.
func LoadPrompt(path string) (string, error) {
	if path == "" {
		return DefaultPrompt, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	tmpl := string(data)
	if !strings.Contains(tmpl, QuestionPlaceholder) {
		return "", fmt.Errorf("%s: %w", path, ErrInvalidPrompt)
	}
	return tmpl, nil
}
