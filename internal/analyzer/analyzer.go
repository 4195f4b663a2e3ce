package analyzer

import (
	"context"
	"errors"
	"strings"
)

// FailurePrefix starts every reply text that stands for a failed analysis.
const FailurePrefix = "Ошибка анализа:"

// ErrAnalysis marks a call that produced no usable reply.
var ErrAnalysis = errors.New("analysis failed")

// Analyzer submits a chart image with a prompt to a vision model.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, prompt string) (string, error)
	Provider() string
	Model() string
}

// FailureText renders err the way failed analyses are shown to users.
func FailureText(err error) string {
	if err == nil {
		return FailurePrefix + " пустой ответ"
	}
	return FailurePrefix + " " + err.Error()
}

// IsFailure reports whether text is a rendered failure.
func IsFailure(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), FailurePrefix)
}
