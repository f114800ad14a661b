// Package section implements the per-section generate and judge steps. Every
// section is a Handler selected by its index when a job is created.
package section

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/genclient"
	"github.com/aletop130/ZeroHR/internal/prompts"
)

// Input carries what a generation attempt needs
type Input struct {
	Payload     string
	HistoryHint string
	Feedback    string // previous judgment, empty on the first attempt
}

// Judgment is the parsed result of a judge call
type Judgment struct {
	Score    float64
	Feedback string
	Parsed   bool // false when no score could be read and Score fell back to 0
}

// Handler generates and judges one document section
type Handler interface {
	Index() int
	Name() string
	Threshold() float64
	Generate(ctx context.Context, in Input) (string, error)
	Judge(ctx context.Context, text string) (Judgment, error)
}

// Model selects the model and sampling for generation service calls
type Model struct {
	Name        string
	Temperature float64
}

// TemplateHandler is a Handler driven by prompt templates
type TemplateHandler struct {
	def    Definition
	loader *prompts.Loader
	svc    genclient.Service
	model  Model
	scale  float64
	logger *slog.Logger
}

// Index returns the 1-based section position
func (h *TemplateHandler) Index() int { return h.def.Index }

// Name returns the section name
func (h *TemplateHandler) Name() string { return h.def.Name }

// Threshold returns the minimum accepted score
func (h *TemplateHandler) Threshold() float64 { return h.def.Threshold }

// Generate writes the section, folding in feedback from a previous judgment
func (h *TemplateHandler) Generate(ctx context.Context, in Input) (string, error) {
	prompt, err := h.loader.BuildSectionPrompt(prompts.SectionData{
		Index:       h.def.Index,
		Name:        h.def.Name,
		Title:       h.def.Title,
		Payload:     in.Payload,
		HistoryHint: in.HistoryHint,
		Example:     h.def.Example,
		Feedback:    in.Feedback,
	})
	if err != nil {
		return "", &domain.GenerationError{Section: h.def.Index, Err: err}
	}

	text, err := h.svc.Complete(ctx, h.model.Name, prompt, h.model.Temperature)
	if err != nil {
		return "", &domain.GenerationError{Section: h.def.Index, Retryable: genclient.Retryable(err), Err: err}
	}
	return strings.TrimSpace(text), nil
}

// Judge scores the section against its reference text
func (h *TemplateHandler) Judge(ctx context.Context, text string) (Judgment, error) {
	prompt, err := h.loader.BuildJudgePrompt(prompts.JudgeData{
		Index:     h.def.Index,
		Name:      h.def.Name,
		Title:     h.def.Title,
		Text:      text,
		Reference: h.def.Reference,
		Scale:     h.scale,
	})
	if err != nil {
		return Judgment{}, &domain.JudgmentError{Section: h.def.Index, Err: err}
	}

	out, err := h.svc.Complete(ctx, h.model.Name, prompt, h.model.Temperature)
	if err != nil {
		return Judgment{}, &domain.JudgmentError{Section: h.def.Index, Retryable: genclient.Retryable(err), Err: err}
	}

	out = strings.TrimSpace(out)
	score, err := ParseScore(out, h.scale)
	if errors.Is(err, domain.ErrScoreUnparsable) {
		h.logger.Warn("judgment without score", "section", h.def.Index, "error", err)
		return Judgment{Score: 0, Feedback: out}, nil
	}
	return Judgment{Score: score, Feedback: out, Parsed: true}, nil
}

// FinalJudge summarizes per-section feedback of a high-scoring run
type FinalJudge struct {
	loader *prompts.Loader
	svc    genclient.Service
	model  Model
}

// NewFinalJudge creates a FinalJudge
func NewFinalJudge(loader *prompts.Loader, svc genclient.Service, model Model) *FinalJudge {
	return &FinalJudge{loader: loader, svc: svc, model: model}
}

// Summarize requests one judgment over the concatenated notes
func (j *FinalJudge) Summarize(ctx context.Context, notes string) (string, error) {
	prompt, err := j.loader.BuildSummaryPrompt(prompts.SummaryData{Notes: notes})
	if err != nil {
		return "", fmt.Errorf("building summary prompt: %w", err)
	}
	out, err := j.svc.Complete(ctx, j.model.Name, prompt, j.model.Temperature)
	if err != nil {
		return "", &domain.JudgmentError{Retryable: genclient.Retryable(err), Err: err}
	}
	return strings.TrimSpace(out), nil
}
