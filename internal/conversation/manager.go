// internal/conversation/manager.go
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"omnisearch/internal/action"
	"omnisearch/internal/assembler"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
	"omnisearch/internal/retrieval"
)

var ErrInvalidInput = errors.New("INVALID_CONVERSATION_INPUT")

// Config bounds one conversation.
type Config struct {
	MaxTurns       int
	ImageQuota     int
	PromptTemplate string
}

func DefaultConfig() Config {
	return Config{
		MaxTurns:       5,
		ImageQuota:     9,
		PromptTemplate: DefaultPrompt,
	}
}

// Retriever fetches evidence for one retrieval round.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.EvidenceBundle, error)
}

// ContextAssembler turns evidence into the next user message.
type ContextAssembler interface {
	Assemble(ctx context.Context, in assembler.Input) (int, models.Message)
}

// ImageSource resolves input image references to bytes.
type ImageSource interface {
	Load(ctx context.Context, ref string) (models.Image, error)
}

type Options struct {
	Client        llm.Client
	Retriever     Retriever
	Assembler     ContextAssembler
	Images        ImageSource
	Config        Config
	Logger        logger.Logger
	Observability *observability.Observability
}

// Manager runs the retrieval-augmented reasoning loop. It holds no
// per-question state and may serve concurrent conversations.
type Manager struct {
	client    llm.Client
	retriever Retriever
	assembler ContextAssembler
	images    ImageSource
	config    Config
	logger    logger.Logger
	obs       *observability.Observability
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 5
	}
	if cfg.ImageQuota < 0 {
		cfg.ImageQuota = 0
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPrompt
	}

	return &Manager{
		client:    opts.Client,
		retriever: opts.Retriever,
		assembler: opts.Assembler,
		images:    opts.Images,
		config:    cfg,
		logger:    opts.Logger.With(map[string]interface{}{"component": "conversation"}),
		obs:       opts.Observability,
	}
}

// Input is one question. Image takes precedence over ImageRef, which may be
// a URL or a local path. A positive MaxTurns overrides the configured limit.
type Input struct {
	Question   string
	Image      *models.Image
	ImageRef   string
	QuestionID string
	MaxTurns   int
}

// Result is what a conversation produced. Err is set when Outcome is failure.
type Result struct {
	Answer  string
	History []models.Message
	Trace   models.Trace
	Turns   int
	Outcome models.Outcome
	Err     error
}

// state is owned by a single ManageConversation call.
type state struct {
	turn    int
	quota   int
	history []models.Message
	trace   models.Trace
}

// ManageConversation answers in.Question. Retrieval and model failures end
// the loop and are reported through Result; the returned error is reserved
// for unusable input.
func (m *Manager) ManageConversation(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	if in.QuestionID != "" {
		if err := retrieval.ValidateQuestionID(in.QuestionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	image, err := m.inputImage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: load input image: %v", ErrInvalidInput, err)
	}

	log := m.logger.With(map[string]interface{}{"questionId": in.QuestionID})
	ctx, span := observability.StartSpan(ctx, otel.Tracer("omnisearch/conversation"), "conversation.manage", map[string]string{
		"questionId": in.QuestionID,
	})
	start := time.Now()

	st := &state{quota: m.config.ImageQuota}
	res := m.run(ctx, log, st, in, image)

	observability.EndSpan(span, res.Err)
	m.record(ctx, res, time.Since(start))

	log.Info("conversation finished", map[string]interface{}{
		"outcome": string(res.Outcome),
		"turns":   res.Turns,
		"rounds":  len(res.Trace),
	})
	return res, nil
}

func (m *Manager) run(ctx context.Context, log logger.Logger, st *state, in Input, image *models.Image) *Result {
	maxTurns := m.config.MaxTurns
	if in.MaxTurns > 0 {
		maxTurns = in.MaxTurns
	}

	seed := models.UserMessage(FormatPrompt(m.config.PromptTemplate, in.Question))
	if image != nil {
		seed.Images = []models.Image{*image}
	}
	st.history = append(st.history, seed)

	reply, err := m.client.Call(ctx, st.history, in.QuestionID)
	if err != nil {
		log.Error("initial model call failed", map[string]interface{}{"error": err.Error()})
		return m.finish(st, models.OutcomeFailure, "", err)
	}

	for {
		act := action.Parse(reply.Text)

		switch act.Type {
		case action.FinalAnswer:
			st.history = append(st.history, reply.Message)
			return m.finish(st, models.OutcomeSuccess, act.Answer, nil)

		case action.Retrieve:
			st.history = append(st.history, reply.Message)

			next, err := m.round(ctx, log, st, in, image, act)
			if err != nil {
				return m.finish(st, models.OutcomeFailure, reply.Text, err)
			}
			reply = next

		default:
			st.turn++
			log.Debug("reply has no control phrase", map[string]interface{}{
				"turn":  st.turn,
				"error": act.Err().Error(),
			})
		}

		if st.turn >= maxTurns {
			return m.finish(st, models.OutcomeExhausted, reply.Text, nil)
		}
	}
}

// round runs one Retrieving -> AssemblingContext step and asks the model
// again. The turn counter advances once the model has been asked.
func (m *Manager) round(ctx context.Context, log logger.Logger, st *state, in Input, image *models.Image, act action.Action) (*llm.Reply, error) {
	log.Info("retrieval round", map[string]interface{}{
		"turn":        st.turn,
		"kind":        act.Kind.String(),
		"query":       act.Query,
		"subQuestion": act.SubQuestion,
	})

	bundle, err := m.retriever.Retrieve(ctx, retrieval.Request{
		Kind:       act.Kind,
		Query:      act.Query,
		QuestionID: in.QuestionID,
		Turn:       st.turn,
		InputImage: image,
	})
	if err != nil {
		log.Error("retrieval failed", map[string]interface{}{
			"turn":  st.turn,
			"kind":  act.Kind.String(),
			"error": err.Error(),
		})
		return nil, err
	}

	quota, fragment := m.assembler.Assemble(ctx, assembler.Input{
		Evidence:       bundle,
		SubQuestion:    act.SubQuestion,
		QuotaRemaining: st.quota,
		CorrelationID:  in.QuestionID,
	})
	st.quota = quota
	st.history = append(st.history, fragment)
	st.trace = append(st.trace, models.TraceEntry{
		Turn:        st.turn,
		Thought:     act.Thought,
		Action:      act.Kind.Marker(),
		Query:       act.Query,
		SubQuestion: act.SubQuestion,
	})

	reply, err := m.client.Call(ctx, st.history, in.QuestionID)
	st.turn++
	if err != nil {
		log.Error("model call failed", map[string]interface{}{
			"turn":  st.turn,
			"error": err.Error(),
		})
		return nil, err
	}
	return reply, nil
}

func (m *Manager) finish(st *state, outcome models.Outcome, answer string, err error) *Result {
	return &Result{
		Answer:  strings.TrimSpace(answer),
		History: st.history,
		Trace:   st.trace,
		Turns:   st.turn,
		Outcome: outcome,
		Err:     err,
	}
}

func (m *Manager) inputImage(ctx context.Context, in Input) (*models.Image, error) {
	if in.Image != nil {
		if len(in.Image.Data) == 0 {
			return nil, errors.New("image has no data")
		}
		return in.Image, nil
	}
	if in.ImageRef == "" {
		return nil, nil
	}
	if m.images == nil {
		return nil, errors.New("no image source configured")
	}

	img, err := m.images.Load(ctx, in.ImageRef)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (m *Manager) record(ctx context.Context, res *Result, elapsed time.Duration) {
	metrics.ConversationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.ConversationTurns.Observe(float64(res.Turns))
	metrics.ConversationDuration.Observe(elapsed.Seconds())
	if m.obs != nil {
		m.obs.RecordConversation(ctx, string(res.Outcome), res.Turns, elapsed)
	}
}
