// internal/retrieval/gateway.go
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"omnisearch/internal/action"
	"omnisearch/internal/common/logger"
	"omnisearch/internal/common/metrics"
	"omnisearch/internal/common/observability"
	"omnisearch/internal/llm"
	"omnisearch/internal/models"
)

// CaptionPrompt asks the model to describe the input image so it can be used
// as an image search query.
const CaptionPrompt = "What is in this image?"

var (
	ErrUnsupportedKind = errors.New("unsupported retrieval kind")
	ErrNoQuery         = errors.New("no query to search for")
)

// Request describes one retrieval round.
type Request struct {
	Kind       action.Kind
	Query      string
	QuestionID string
	Turn       int
	InputImage *models.Image
}

// EvidenceImage is a retrieved image materialized on disk.
type EvidenceImage struct {
	SourceURL string
	LocalPath string
	Data      []byte
}

// Image converts e into a message attachment.
func (e EvidenceImage) Image() models.Image {
	return models.Image{Source: e.SourceURL, Path: e.LocalPath, MIMEType: "image/png", Data: e.Data}
}

// EvidenceBundle is the normalized output of a retrieval round. Image kinds
// carry at most one image and one text; the text kind carries no images.
type EvidenceBundle struct {
	Images []EvidenceImage
	Texts  []string
}

// ImageLoader stores a remote image as PNG at path.
type ImageLoader interface {
	Materialize(ctx context.Context, url, path string) (models.Image, error)
}

type GatewayOptions struct {
	Provider  *Provider
	Cache     Cache
	Loader    ImageLoader
	Captioner llm.Client
	Config    Config
	Logger    logger.Logger
}

// Gateway composes the provider, the evidence cache and image storage.
type Gateway struct {
	provider  *Provider
	cache     Cache
	loader    ImageLoader
	captioner llm.Client
	config    Config
	logger    logger.Logger
}

func NewGateway(opts GatewayOptions) *Gateway {
	return &Gateway{
		provider:  opts.Provider,
		cache:     opts.Cache,
		loader:    opts.Loader,
		captioner: opts.Captioner,
		config:    opts.Config,
		logger:    opts.Logger.With(map[string]interface{}{"component": "retrieval"}),
	}
}

type retrieveFunc func(g *Gateway, ctx context.Context, req Request) (EvidenceBundle, error)

var dispatch = map[action.Kind]retrieveFunc{
	action.TextByText:   (*Gateway).retrieveText,
	action.ImageByText:  (*Gateway).retrieveImageByText,
	action.ImageByImage: (*Gateway).retrieveImageByImage,
}

// Retrieve runs one retrieval round of the given kind.
func (g *Gateway) Retrieve(ctx context.Context, req Request) (EvidenceBundle, error) {
	fn, ok := dispatch[req.Kind]
	if !ok {
		return EvidenceBundle{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if req.QuestionID != "" {
		if err := ValidateQuestionID(req.QuestionID); err != nil {
			return EvidenceBundle{}, err
		}
	}

	ctx, span := observability.StartSpan(ctx, otel.Tracer("omnisearch/retrieval"), "retrieval."+req.Kind.String(), map[string]string{
		"questionId": req.QuestionID,
	})
	bundle, err := fn(g, ctx, req)
	observability.EndSpan(span, err)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case len(bundle.Images) == 0 && len(bundle.Texts) == 0:
		outcome = "empty"
	}
	metrics.RetrievalsTotal.WithLabelValues(req.Kind.String(), outcome).Inc()

	g.logger.Debug("retrieval finished", map[string]interface{}{
		"questionId": req.QuestionID,
		"turn":       req.Turn,
		"kind":       req.Kind.String(),
		"images":     len(bundle.Images),
		"texts":      len(bundle.Texts),
		"outcome":    outcome,
	})
	return bundle, err
}

func (g *Gateway) retrieveText(ctx context.Context, req Request) (EvidenceBundle, error) {
	hits, err := g.provider.TextSearch(ctx, req.Query)
	if err != nil {
		return EvidenceBundle{}, err
	}

	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, strings.TrimSpace(h.Title+" "+h.Body))
	}
	return EvidenceBundle{Texts: texts}, nil
}

func (g *Gateway) retrieveImageByText(ctx context.Context, req Request) (EvidenceBundle, error) {
	return g.searchImage(ctx, req, req.Query)
}

// retrieveImageByImage captions the input image and searches images with the
// caption. The search provider has no reverse image search.
func (g *Gateway) retrieveImageByImage(ctx context.Context, req Request) (EvidenceBundle, error) {
	query := req.Query

	if req.InputImage != nil && len(req.InputImage.Data) > 0 && g.captioner != nil {
		reply, err := g.captioner.Call(ctx, []models.Message{models.UserMessage(CaptionPrompt, *req.InputImage)}, req.QuestionID)
		switch {
		case err != nil:
			g.logger.Warn("image caption failed, using parsed query", map[string]interface{}{
				"questionId": req.QuestionID,
				"error":      err.Error(),
			})
		case strings.TrimSpace(reply.Text) != "":
			query = strings.TrimSpace(reply.Text)
		}
	}

	if strings.TrimSpace(query) == "" {
		return EvidenceBundle{}, fmt.Errorf("%w: no input image caption and no parsed query", ErrNoQuery)
	}
	return g.searchImage(ctx, req, query)
}

// searchImage consults the cache before the provider. A cached hit that
// yields no text forces exactly one fresh query. Requests without a question
// id never touch the cache.
func (g *Gateway) searchImage(ctx context.Context, req Request, query string) (EvidenceBundle, error) {
	if g.cache != nil && req.QuestionID != "" {
		hit, ok, err := g.cache.Load(ctx, req.QuestionID)
		if err != nil {
			metrics.EvidenceCacheLookups.WithLabelValues(g.cache.Name(), "error").Inc()
			g.logger.Warn("evidence cache read failed", map[string]interface{}{
				"questionId": req.QuestionID,
				"error":      err.Error(),
			})
		}

		if ok {
			if bundle := g.materialize(ctx, req, hit); len(bundle.Texts) > 0 {
				metrics.EvidenceCacheLookups.WithLabelValues(g.cache.Name(), "hit").Inc()
				return bundle, nil
			}

			metrics.EvidenceCacheLookups.WithLabelValues(g.cache.Name(), "stale").Inc()
			g.logger.Info("cached image hit yielded no text, querying again", map[string]interface{}{
				"questionId": req.QuestionID,
			})
			return g.freshImageSearch(ctx, req, query)
		}

		if err == nil {
			metrics.EvidenceCacheLookups.WithLabelValues(g.cache.Name(), "miss").Inc()
		}
	}

	return g.freshImageSearch(ctx, req, query)
}

func (g *Gateway) freshImageSearch(ctx context.Context, req Request, query string) (EvidenceBundle, error) {
	hit, err := g.provider.ImageSearch(ctx, query)
	if err != nil {
		return EvidenceBundle{}, err
	}

	bundle := g.materialize(ctx, req, hit)
	if g.cache != nil && req.QuestionID != "" && len(bundle.Texts) > 0 {
		if err := g.cache.Store(ctx, req.QuestionID, hit); err != nil {
			g.logger.Warn("evidence cache write failed", map[string]interface{}{
				"questionId": req.QuestionID,
				"error":      err.Error(),
			})
		}
	}
	return bundle, nil
}

// materialize downloads the hit's image to {SaveDir}/{questionId}_{turn}_{position}.png.
// Without a question id the file gets a one-off name so it is never reused.
// Download or decode failures are logged and produce an empty bundle.
func (g *Gateway) materialize(ctx context.Context, req Request, hit ImageHit) EvidenceBundle {
	if hit.Image == "" {
		g.logger.Warn("image hit has no image url", map[string]interface{}{"questionId": req.QuestionID})
		return EvidenceBundle{}
	}

	stem := req.QuestionID
	if stem == "" {
		stem = "anon-" + uuid.NewString()
	}
	path := filepath.Join(g.config.SaveDir, fmt.Sprintf("%s_%d_%d.png", stem, req.Turn, hit.Position))
	img, err := g.loader.Materialize(ctx, hit.Image, path)
	if err != nil {
		g.logger.Error("failed to download or save image", map[string]interface{}{
			"questionId": req.QuestionID,
			"url":        hit.Image,
			"error":      err.Error(),
		})
		return EvidenceBundle{}
	}

	return EvidenceBundle{
		Images: []EvidenceImage{{SourceURL: hit.Image, LocalPath: path, Data: img.Data}},
		Texts:  []string{hit.Title},
	}
}
