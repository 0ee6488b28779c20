package service

import (
	"context"
	"strings"

	"braid/internal/domain"
)

// ResponseNotEmptyTest fails a turn whose assistant response is blank. It is
// the baseline check feeding tests_mean, so an empty response halves the
// turn summary's trust.
type ResponseNotEmptyTest struct{}

func (ResponseNotEmptyTest) Name() string { return "response_not_empty" }

func (ResponseNotEmptyTest) Run(ctx context.Context, userText, assistantText string) domain.TestResult {
	passed := strings.TrimSpace(assistantText) != ""
	score := 0.0
	if passed {
		score = 1.0
	}
	return domain.TestResult{Name: "response_not_empty", Score: score, Passed: passed}
}

// DefaultTurnTests is the standard post-turn check suite.
func DefaultTurnTests() []domain.TurnTest {
	return []domain.TurnTest{ResponseNotEmptyTest{}}
}
