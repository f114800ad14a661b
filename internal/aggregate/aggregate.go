// Package aggregate computes a run's weighted score and final document once
// every unit has finished.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/aletop130/ZeroHR/internal/domain"
)

const (
	// DefaultFinalizeThreshold is the weighted score a run must exceed to get
	// a summary judgment.
	DefaultFinalizeThreshold = 8.0

	weightTolerance = 1e-3
	separator       = "\n\n"
)

// Summarizer produces one judgment over the concatenated unit feedback
type Summarizer interface {
	Summarize(ctx context.Context, notes string) (string, error)
}

// Result is the outcome of aggregating a run
type Result struct {
	WeightedScore float64
	FinalText     string
	FinalFeedback string
	Attempts      int
}

// Aggregator combines unit results
type Aggregator struct {
	summarizer        Summarizer
	finalizeThreshold float64
	logger            *slog.Logger
}

// New creates an Aggregator. summarizer may be nil, in which case runs never
// receive final feedback.
func New(summarizer Summarizer, finalizeThreshold float64, logger *slog.Logger) *Aggregator {
	return &Aggregator{summarizer: summarizer, finalizeThreshold: finalizeThreshold, logger: logger}
}

// ValidateWeights checks that weights sum to 1 within tolerance
func ValidateWeights(weights []float64) error {
	var sum float64
	for i, w := range weights {
		if w < 0 {
			return fmt.Errorf("weight %d is negative: %v", i+1, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights sum to %.5f, want 1", sum)
	}
	return nil
}

// WeightedScore sums score*weight over units in index order. Failed units and
// units that were never judged contribute zero.
func WeightedScore(units []*domain.Unit, weights []float64) (float64, error) {
	if len(units) != len(weights) {
		return 0, fmt.Errorf("have %d units but %d weights", len(units), len(weights))
	}
	if err := ValidateWeights(weights); err != nil {
		return 0, err
	}

	ordered := sortedByIndex(units)
	var total float64
	for _, u := range ordered {
		if u.Index < 1 || u.Index > len(weights) {
			return 0, fmt.Errorf("unit index %d out of range", u.Index)
		}
		if u.Status == domain.StatusFailed {
			continue
		}
		total += u.ScoreOrZero() * weights[u.Index-1]
	}
	return total, nil
}

// Aggregate computes the final result. The summary judgment is requested only
// when the weighted score is strictly above the finalize threshold; a failing
// summary is logged and leaves FinalFeedback empty.
func (a *Aggregator) Aggregate(ctx context.Context, units []*domain.Unit, weights []float64) (Result, error) {
	score, err := WeightedScore(units, weights)
	if err != nil {
		return Result{}, err
	}

	ordered := sortedByIndex(units)
	texts := make([]string, 0, len(ordered))
	notes := make([]string, 0, len(ordered))
	res := Result{WeightedScore: score}
	for _, u := range ordered {
		texts = append(texts, u.Text)
		notes = append(notes, u.Feedback)
		if u.RetryCount > res.Attempts {
			res.Attempts = u.RetryCount
		}
	}
	res.FinalText = strings.Join(texts, separator)

	if score > a.finalizeThreshold && a.summarizer != nil {
		feedback, err := a.summarizer.Summarize(ctx, strings.Join(notes, separator))
		if err != nil {
			a.logger.Warn("summary judgment failed", "error", err, "score", score)
		} else {
			res.FinalFeedback = feedback
		}
	}
	return res, nil
}

func sortedByIndex(units []*domain.Unit) []*domain.Unit {
	out := make([]*domain.Unit, len(units))
	copy(out, units)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
