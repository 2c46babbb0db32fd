package answer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/docqa/internal/citation"
	"github.com/mohammad-safakhou/docqa/internal/gate"
	"github.com/mohammad-safakhou/docqa/internal/llm"
	"github.com/mohammad-safakhou/docqa/internal/session"
)

var tracer = otel.Tracer("docqa/answer")

// State is a step of one answer stream.
type State string

const (
	StateAwaitingCitations State = "awaiting_citations"
	StateStreamingTokens   State = "streaming_tokens"
	StateAppendingPreview  State = "appending_preview"
	StateDone              State = "done"
	StateError             State = "error"
)

// DefaultPreviewLimit is how many citations get a page preview link.
const DefaultPreviewLimit = 2

// Request is the gated input of one answer.
type Request struct {
	Question    string
	SessionID   string
	Branch      gate.Branch
	Citations   []citation.Citation
	ContextText string
}

// Outcome summarises a finished stream.
type Outcome struct {
	State         State
	Answer        string
	UsedRetrieval bool
}

// Orchestrator turns a gated request into citation, token and terminal
// events and records the turn in the session store.
type Orchestrator struct {
	generator    Generator
	sessions     session.Store
	registry     *citation.Registry
	previewLimit int
	logger       *log.Logger
}

type Option func(*Orchestrator)

// WithRegistry records every emitted citation so it can be looked up later.
func WithRegistry(r *citation.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

func WithPreviewLimit(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.previewLimit = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(generator Generator, sessions session.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		generator:    generator,
		sessions:     sessions,
		previewLimit: DefaultPreviewLimit,
		logger:       log.New(log.Writer(), "[ANSWER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	state State
	emit  func(Event) error
}

func (r *run) send(ev Event) error {
	if err := r.emit(ev); err != nil {
		return fmt.Errorf("emit %s in %s: %w", ev.Kind, r.state, err)
	}
	return nil
}

// Run emits the answer for req. Citations precede tokens, which precede the
// terminal done or error event. An error from emit aborts the run without a
// terminal event. The returned error is nil only when done was emitted.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Event) error) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	withContext := req.Branch == gate.WithContext
	span.SetAttributes(
		attribute.String("branch", string(req.Branch)),
		attribute.Int("citations", len(req.Citations)),
		attribute.Bool("has_session", req.SessionID != ""),
	)

	r := &run{state: StateAwaitingCitations, emit: emit}
	out, err := o.run(ctx, r, req, withContext)
	out.State = r.state
	outcome := "done"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	answersTotal.WithLabelValues(string(req.Branch), outcome).Inc()
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, r *run, req Request, withContext bool) (Outcome, error) {
	if withContext && len(req.Citations) > 0 {
		if o.registry != nil {
			o.registry.Put(req.Citations...)
		}
		for _, c := range req.Citations {
			if err := r.send(citationEvent(c)); err != nil {
				return Outcome{}, err
			}
		}
	}

	msgs := o.messages(ctx, req, withContext)

	r.state = StateStreamingTokens
	var answer strings.Builder
	var emitErr error
	genErr := o.generator.Generate(ctx, msgs, func(text string) error {
		if err := r.send(tokenEvent(text)); err != nil {
			emitErr = err
			return err
		}
		answer.WriteString(text)
		return nil
	})
	if genErr != nil {
		if emitErr != nil {
			return Outcome{Answer: answer.String()}, emitErr
		}
		if ctx.Err() != nil {
			return Outcome{Answer: answer.String()}, ctx.Err()
		}
		o.logger.Printf("generation failed: %v", genErr)
		r.state = StateError
		if err := r.send(errorEvent(genErr.Error())); err != nil {
			return Outcome{Answer: answer.String()}, err
		}
		return Outcome{Answer: answer.String()}, genErr
	}

	if withContext && len(req.Citations) > 0 && o.previewLimit > 0 {
		r.state = StateAppendingPreview
		if tail := PreviewTail(req.Citations, o.previewLimit); tail != "" {
			if err := r.send(tokenEvent(tail)); err != nil {
				return Outcome{Answer: answer.String()}, err
			}
		}
	}

	if req.SessionID != "" && o.sessions != nil {
		err := o.sessions.Append(ctx, req.SessionID,
			session.Turn{Role: session.RoleUser, Content: req.Question},
			session.Turn{Role: session.RoleAssistant, Content: answer.String()},
		)
		if err != nil {
			o.logger.Printf("append history for session %s: %v", req.SessionID, err)
		}
	}

	r.state = StateDone
	if err := r.send(doneEvent(withContext)); err != nil {
		return Outcome{Answer: answer.String()}, err
	}
	return Outcome{Answer: answer.String(), UsedRetrieval: withContext}, nil
}

// messages is the system instruction, the prior session turns in order and
// the current prompt.
func (o *Orchestrator) messages(ctx context.Context, req Request, withContext bool) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: SystemInstruction}}
	if req.SessionID != "" && o.sessions != nil {
		history, err := o.sessions.History(ctx, req.SessionID)
		if err != nil {
			o.logger.Printf("load history for session %s: %v", req.SessionID, err)
		}
		for _, t := range history {
			msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
		}
	}
	prompt := noContextPrompt(req.Question)
	if withContext && strings.TrimSpace(req.ContextText) != "" && req.ContextText != gate.NoHits {
		prompt = withContextPrompt(req.Question, req.ContextText)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
}
