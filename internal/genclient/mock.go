package genclient

import (
	"context"
	"fmt"
	"strings"
)

// ScoreLabel prefixes the numeric score in judge completions
const ScoreLabel = "Punteggio"

// JudgeMarker appears in every judging prompt; Mock uses it to tell judge
// calls from generation calls.
const JudgeMarker = ScoreLabel + ": X.Y"

// Mock is an offline Service for local runs. Generation prompts are echoed
// back as section text and judge prompts always receive the same score.
type Mock struct {
	Score float64
}

// Complete returns a canned completion without calling any model
func (m Mock) Complete(ctx context.Context, _ string, prompt string, _ float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(prompt, JudgeMarker) {
		score := m.Score
		if score == 0 {
			score = 8
		}
		return fmt.Sprintf("%s: %.1f\nThe section is coherent and complete.", ScoreLabel, score), nil
	}

	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	var sb strings.Builder
	sb.WriteString("[draft] ")
	sb.WriteString(strings.TrimSpace(lines[len(lines)-1]))
	return sb.String(), nil
}
