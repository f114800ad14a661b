package section

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aletop130/ZeroHR/internal/domain"
)

// DefaultScale is the upper bound of judge scores
const DefaultScale = 10.0

var scorePattern = regexp.MustCompile(`(?i)\b(?:punteggio|score|voto)\b\s*[:\-]?\s*([0-9]*[.,]?[0-9]+)`)

// ParseScore extracts the first labelled score from free judgment text and
// clamps it to [0, scale]. Text without a score yields 0 and ErrScoreUnparsable.
func ParseScore(text string, scale float64) (float64, error) {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, domain.ErrScoreUnparsable
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return 0, domain.ErrScoreUnparsable
	}
	if scale <= 0 {
		scale = DefaultScale
	}
	switch {
	case v < 0:
		return 0, nil
	case v > scale:
		return scale, nil
	}
	return v, nil
}
