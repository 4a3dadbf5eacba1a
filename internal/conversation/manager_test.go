package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisearch/internal/action"
	"omnisearch/internal/assembler"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
	"omnisearch/internal/retrieval"
)

// ==========================
// Fakes
// ==========================

// scriptedClient answers with replies in order and repeats the last one.
// A nil entry in errs at the same index means success.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	seen    [][]models.Message
}

func (c *scriptedClient) Call(_ context.Context, messages []models.Message, correlationID string) (*llm.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := len(c.seen)
	snapshot := make([]models.Message, len(messages))
	copy(snapshot, messages)
	c.seen = append(c.seen, snapshot)

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	text := c.replies[i]
	return &llm.Reply{CorrelationID: correlationID, Text: text, Message: models.AssistantMessage(text)}, nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

type fakeRetriever struct {
	bundle   retrieval.EvidenceBundle
	err      error
	requests []retrieval.Request
}

func (r *fakeRetriever) Retrieve(_ context.Context, req retrieval.Request) (retrieval.EvidenceBundle, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return retrieval.EvidenceBundle{}, r.err
	}
	return r.bundle, nil
}

type fakeImages struct {
	err error
}

func (f fakeImages) Load(_ context.Context, ref string) (models.Image, error) {
	if f.err != nil {
		return models.Image{}, f.err
	}
	return models.Image{Source: ref, MIMEType: "image/jpeg", Data: []byte("jpeg")}, nil
}

func imageEvidence(n int) retrieval.EvidenceBundle {
	var b retrieval.EvidenceBundle
	for i := 0; i < n; i++ {
		b.Images = append(b.Images, retrieval.EvidenceImage{SourceURL: fmt.Sprintf("https://img/%d", i), Data: []byte{1}})
		b.Texts = append(b.Texts, fmt.Sprintf("caption %d", i))
	}
	return b
}

func newTestManager(t *testing.T, client llm.Client, retriever Retriever, aux llm.Client) *Manager {
	t.Helper()
	return NewManager(Options{
		Client:    client,
		Retriever: retriever,
		Assembler: assembler.New(aux, logger.NewNoOpLogger()),
		Images:    fakeImages{},
		Config:    DefaultConfig(),
		Logger:    logger.NewTestLogger(t),
	})
}

const (
	imageDirective = "<Thought>\nI need to see what this breed looks like.\n<Sub-Question>\ndog breed identification\n<Actions>\nImage Retrieval with Text Query: labrador retriever"
	textDirective  = "<Thought>\nStill unsure.\n<Sub-Question>\nwhen was it built\nText Retrieval: eiffel tower construction"
)

var dogImage = &models.Image{MIMEType: "image/jpeg", Data: []byte("dog")}

// ==========================
// End-to-end scenarios
// ==========================

func TestManageConversation_ImmediateFinalAnswer(t *testing.T) {
	client := &scriptedClient{replies: []string{"Final Answer: Labrador"}}
	retriever := &fakeRetriever{}
	m := newTestManager(t, client, retriever, nil)

	res, err := m.ManageConversation(context.Background(), Input{
		Question: "What breed is this dog?", Image: dogImage, QuestionID: "q1",
	})

	require.NoError(t, err)
	assert.Equal(t, "Labrador", res.Answer)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Trace)
	assert.Zero(t, res.Turns)
	assert.Empty(t, retriever.requests)

	require.Len(t, res.History, 2)
	seed := res.History[0]
	assert.Equal(t, models.RoleUser, seed.Role)
	assert.Contains(t, seed.Content, "What breed is this dog?")
	require.Len(t, seed.Images, 1)
	assert.Equal(t, models.RoleAssistant, res.History[1].Role)
}

func TestManageConversation_OneImageRoundThenAnswer(t *testing.T) {
	client := &scriptedClient{replies: []string{
		imageDirective,
		"<Thought>\nThe retrieved image matches.\nFinal Answer: Labrador Retriever",
	}}
	retriever := &fakeRetriever{bundle: imageEvidence(1)}
	m := newTestManager(t, client, retriever, nil)

	res, err := m.ManageConversation(context.Background(), Input{
		Question: "What breed is this dog?", Image: dogImage, QuestionID: "q2",
	})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "Labrador Retriever", res.Answer)
	assert.Equal(t, 1, res.Turns)

	require.Len(t, res.Trace, 1)
	entry := res.Trace[0]
	assert.Equal(t, 0, entry.Turn)
	assert.Equal(t, "dog breed identification", entry.SubQuestion)
	assert.Equal(t, action.MarkerImageByText, entry.Action)
	assert.Equal(t, "labrador retriever", entry.Query)
	assert.Equal(t, "I need to see what this breed looks like.", entry.Thought)

	require.Len(t, retriever.requests, 1)
	req := retriever.requests[0]
	assert.Equal(t, action.ImageByText, req.Kind)
	assert.Equal(t, "q2", req.QuestionID)
	assert.Equal(t, 0, req.Turn)
	assert.Same(t, dogImage, req.InputImage)

	require.Len(t, res.History, 4)
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant},
		[]models.Role{res.History[0].Role, res.History[1].Role, res.History[2].Role, res.History[3].Role})
	fragment := res.History[2]
	assert.True(t, strings.HasPrefix(fragment.Content, assembler.ImagesHeader))
	assert.Len(t, fragment.Images, 1)

	require.Equal(t, 2, client.calls())
	assert.Len(t, client.seen[1], 3, "second call sees seed, directive and evidence")
}

func TestManageConversation_TurnBudgetExhausted(t *testing.T) {
	replies := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		replies = append(replies, fmt.Sprintf("%s %d", textDirective, i))
	}
	client := &scriptedClient{replies: replies}
	retriever := &fakeRetriever{bundle: retrieval.EvidenceBundle{Texts: []string{"built 1887-1889"}}}
	aux := &scriptedClient{replies: []string{"It was built between 1887 and 1889."}}
	m := newTestManager(t, client, retriever, aux)

	res, err := m.ManageConversation(context.Background(), Input{Question: "When was it built?", QuestionID: "q3"})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExhausted, res.Outcome)
	assert.Equal(t, 5, res.Turns)
	assert.Len(t, res.Trace, 5)
	assert.Equal(t, replies[5], res.Answer, "the fifth round's reply is returned verbatim")
	assert.Equal(t, 6, client.calls())
	assert.Equal(t, 5, aux.calls())

	for i, e := range res.Trace {
		assert.Equal(t, i, e.Turn)
		assert.LessOrEqual(t, e.Turn, 5)
	}
}

func TestManageConversation_PerCallTurnLimit(t *testing.T) {
	client := &scriptedClient{replies: []string{textDirective}}
	retriever := &fakeRetriever{bundle: retrieval.EvidenceBundle{Texts: []string{"built 1887-1889"}}}
	aux := &scriptedClient{replies: []string{"1889"}}
	m := newTestManager(t, client, retriever, aux)

	res, err := m.ManageConversation(context.Background(), Input{Question: "When?", QuestionID: "q3b", MaxTurns: 2})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExhausted, res.Outcome)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 3, client.calls())
}

// ==========================
// Inconclusive and failures
// ==========================

func TestManageConversation_InconclusiveReply(t *testing.T) {
	client := &scriptedClient{replies: []string{"I am not sure what to do."}}
	retriever := &fakeRetriever{}
	m := newTestManager(t, client, retriever, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "?", QuestionID: "q4"})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExhausted, res.Outcome)
	assert.Equal(t, "I am not sure what to do.", res.Answer)
	assert.Equal(t, 5, res.Turns)
	assert.Equal(t, 1, client.calls(), "inconclusive turns do not call the model again")
	assert.Empty(t, retriever.requests)
	assert.Len(t, res.History, 1)
}

func TestManageConversation_RetrievalFailure(t *testing.T) {
	client := &scriptedClient{replies: []string{imageDirective}}
	retriever := &fakeRetriever{err: fmt.Errorf("%w: image search failed after 5 attempts", retrieval.ErrRetrievalExhausted)}
	m := newTestManager(t, client, retriever, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "breed?", Image: dogImage, QuestionID: "q5"})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, retrieval.ErrRetrievalExhausted)
	assert.Equal(t, imageDirective, res.Answer)
	assert.Equal(t, 1, client.calls(), "no model call after a failed retrieval")
	assert.Empty(t, res.Trace)
	assert.Len(t, res.History, 2)
}

func TestManageConversation_InitialModelFailure(t *testing.T) {
	client := &scriptedClient{replies: []string{""}, errs: []error{llm.ErrModelCallFailed}}
	m := newTestManager(t, client, &fakeRetriever{}, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "q", QuestionID: "q6"})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, llm.ErrModelCallFailed)
	assert.Empty(t, res.Answer)
	assert.Len(t, res.History, 1)
}

func TestManageConversation_ModelFailureAfterRound(t *testing.T) {
	client := &scriptedClient{
		replies: []string{imageDirective, ""},
		errs:    []error{nil, llm.ErrModelTimeout},
	}
	m := newTestManager(t, client, &fakeRetriever{bundle: imageEvidence(1)}, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "q", Image: dogImage, QuestionID: "q7"})

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, llm.ErrModelTimeout)
	assert.Equal(t, imageDirective, res.Answer)
	assert.Equal(t, 1, res.Turns)
	assert.Len(t, res.Trace, 1)
}

// ==========================
// Image quota
// ==========================

func TestManageConversation_ImageQuotaIsNeverExceeded(t *testing.T) {
	client := &scriptedClient{replies: []string{imageDirective}}
	retriever := &fakeRetriever{bundle: imageEvidence(4)}
	m := newTestManager(t, client, retriever, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "q", QuestionID: "q8"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Turns)

	quota := 9
	attached := 0
	for _, msg := range res.History[1:] {
		if msg.Role != models.RoleUser {
			continue
		}
		assert.LessOrEqual(t, len(msg.Images), min(5, quota))
		quota -= len(msg.Images)
		attached += len(msg.Images)
		assert.GreaterOrEqual(t, quota, 0)
	}
	assert.Equal(t, 9, attached)
	assert.Equal(t, 9, models.ImageCount(res.History))
}

// ==========================
// Input handling
// ==========================

func TestManageConversation_InvalidInput(t *testing.T) {
	client := &scriptedClient{replies: []string{"Final Answer: x"}}

	m := newTestManager(t, client, &fakeRetriever{}, nil)
	_, err := m.ManageConversation(context.Background(), Input{Question: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.ManageConversation(context.Background(), Input{Question: "q", Image: &models.Image{}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.ManageConversation(context.Background(), Input{Question: "q", QuestionID: "../../tmp/x"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	broken := NewManager(Options{
		Client:    client,
		Retriever: &fakeRetriever{},
		Assembler: assembler.New(nil, logger.NewNoOpLogger()),
		Images:    fakeImages{err: errors.New("404")},
		Logger:    logger.NewNoOpLogger(),
	})
	_, err = broken.ManageConversation(context.Background(), Input{Question: "q", ImageRef: "https://img/x.jpg"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, client.calls())
}

func TestManageConversation_ResolvesImageRef(t *testing.T) {
	client := &scriptedClient{replies: []string{"Final Answer: cat"}}
	m := newTestManager(t, client, &fakeRetriever{}, nil)

	res, err := m.ManageConversation(context.Background(), Input{Question: "what animal?", ImageRef: "https://img/cat.jpg", QuestionID: "q9"})

	require.NoError(t, err)
	require.Len(t, res.History[0].Images, 1)
	assert.Equal(t, "https://img/cat.jpg", res.History[0].Images[0].Source)
}

// ==========================
// Prompt
// ==========================

func TestFormatPrompt(t *testing.T) {
	got := FormatPrompt(DefaultPrompt, "  What breed is this dog?  ")

	assert.True(t, strings.HasSuffix(got, "Question: What breed is this dog?"))
	assert.NotContains(t, got, QuestionPlaceholder)
	for _, marker := range []string{action.MarkerFinalAnswer, action.MarkerTextByText, action.MarkerImageByText, action.MarkerImageByImage} {
		assert.Contains(t, got, marker)
	}
}

func TestLoadPrompt(t *testing.T) {
	tmpl, err := LoadPrompt("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompt, tmpl)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("Answer this: {question}"), 0o644))
	tmpl, err = LoadPrompt(good)
	require.NoError(t, err)
	assert.Equal(t, "Answer this: why?", FormatPrompt(tmpl, "why?"))

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("no placeholder"), 0o644))
	_, err = LoadPrompt(bad)
	assert.ErrorIs(t, err, ErrInvalidPrompt)

	_, err = LoadPrompt(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
