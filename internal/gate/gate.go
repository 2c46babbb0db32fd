// Package gate decides whether retrieved evidence is strong enough to
// condition generation on.
package gate

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Branch is the gate outcome.
type Branch string

const (
	WithContext Branch = "with_context"
	NoContext   Branch = "no_context"
)

// Reason records which rule produced a decision.
type Reason string

const (
	ReasonTop1     Reason = "top1"
	ReasonMean3    Reason = "mean3"
	ReasonVerifier Reason = "verifier"
	ReasonNoHits   Reason = "no_hits"
)

// NoHits is the context text used when nothing was retrieved.
const NoHits = "(no hits)"

const (
	DefaultTop1  = 0.5
	DefaultMean3 = 0.60
)

// GradePrompt asks the verifier for a yes/no relevance judgement.
const GradePrompt = "You are a grader assessing whether retrieved context helps answer the user's question.\n" +
	"Context:\n%s\n\nQuestion: %s\n" +
	"If the context helps answer the question, reply 'yes'; otherwise reply 'no'."

// Verifier is a language model answering a single prompt.
type Verifier interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(ctx context.Context, prompt string) (string, error)

func (f VerifierFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Decision is the result of Decide.
type Decision struct {
	Branch Branch
	Reason Reason
}

// Gate applies the score heuristic and falls back to the verifier. Dense
// scores are distances, so lower is better.
type Gate struct {
	top1     float64
	mean3    float64
	verifier Verifier
	logger   *log.Logger
}

type Option func(*Gate)

// WithThresholds overrides the closeness thresholds.
func WithThresholds(top1, mean3 float64) Option {
	return func(g *Gate) {
		if top1 > 0 {
			g.top1 = top1
		}
		if mean3 > 0 {
			g.mean3 = mean3
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(verifier Verifier, opts ...Option) *Gate {
	g := &Gate{
		top1:     DefaultTop1,
		mean3:    DefaultMean3,
		verifier: verifier,
		logger:   log.New(log.Writer(), "[GATE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ScoreOK reports whether the best score or the mean of the best three is
// within the thresholds.
func (g *Gate) ScoreOK(scores []float64) (bool, Reason) {
	if len(scores) == 0 {
		return false, ""
	}
	if scores[0] <= g.top1 {
		return true, ReasonTop1
	}
	n := min(3, len(scores))
	var sum float64
	for _, s := range scores[:n] {
		sum += s
	}
	if sum/float64(n) <= g.mean3 {
		return true, ReasonMean3
	}
	return false, ""
}

// Decide picks the branch for question given the dense scores in rank order
// and the assembled context text.
func (g *Gate) Decide(ctx context.Context, question string, denseScores []float64, contextText string) Decision {
	if strings.TrimSpace(contextText) == "" || contextText == NoHits {
		return Decision{Branch: NoContext, Reason: ReasonNoHits}
	}
	if ok, reason := g.ScoreOK(denseScores); ok {
		return Decision{Branch: WithContext, Reason: reason}
	}
	if g.verifier == nil {
		return Decision{Branch: NoContext, Reason: ReasonVerifier}
	}
	answer, err := g.verifier.Complete(ctx, fmt.Sprintf(GradePrompt, contextText, question))
	if err != nil {
		g.logger.Printf("verifier failed, answering without context: %v", err)
		return Decision{Branch: NoContext, Reason: ReasonVerifier}
	}
	if strings.Contains(strings.ToLower(answer), "yes") {
		return Decision{Branch: WithContext, Reason: ReasonVerifier}
	}
	return Decision{Branch: NoContext, Reason: ReasonVerifier}
}
