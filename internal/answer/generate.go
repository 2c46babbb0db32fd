package answer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/docqa/internal/llm"
)

// DefaultChunkSize is the size in runes of re-chunked fallback tokens.
const DefaultChunkSize = 20

// Streamer produces an answer incrementally.
type Streamer interface {
	Stream(ctx context.Context, msgs []llm.Message, emit func(string) error) error
}

// Completer produces an answer in one call.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message) (string, error)
}

// Generator emits answer text for msgs.
type Generator interface {
	Generate(ctx context.Context, msgs []llm.Message, emit func(string) error) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, msgs []llm.Message, emit func(string) error) error

func (f GeneratorFunc) Generate(ctx context.Context, msgs []llm.Message, emit func(string) error) error {
	return f(ctx, msgs, emit)
}

// ErrFallback marks a generation that failed on both the streaming and the
// one-shot path.
var ErrFallback = errors.New("answer generation failed")

type consumerError struct{ err error }

func (e consumerError) Error() string { return e.err.Error() }
func (e consumerError) Unwrap() error { return e.err }

// WithFallback streams through primary and, when it fails for any reason
// other than the consumer going away, asks secondary for the whole answer and
// emits it in chunkSize rune pieces. Pieces already streamed stay emitted, so
// a stream that dies midway is followed by the full completion.
func WithFallback(primary Streamer, secondary Completer, chunkSize int, logger *log.Logger) Generator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ANSWER] ", log.LstdFlags)
	}
	return GeneratorFunc(func(ctx context.Context, msgs []llm.Message, emit func(string) error) error {
		guarded := func(s string) error {
			if err := emit(s); err != nil {
				return consumerError{err}
			}
			return nil
		}
		err := primary.Stream(ctx, msgs, guarded)
		if err == nil {
			return nil
		}
		var ce consumerError
		if errors.As(err, &ce) {
			return ce.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Printf("streaming generation failed, falling back to one-shot completion: %v", err)
		fallbackTotal.Inc()
		text, cerr := secondary.Complete(ctx, msgs)
		if cerr != nil {
			return fmt.Errorf("%w: stream: %v; completion: %v", ErrFallback, err, cerr)
		}
		for _, piece := range Rechunk(text, chunkSize) {
			if err := emit(piece); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rechunk splits text into consecutive pieces of at most n runes.
func Rechunk(text string, n int) []string {
	if text == "" {
		return nil
	}
	if n <= 0 {
		n = DefaultChunkSize
	}
	runes := []rune(text)
	out := make([]string, 0, (len(runes)+n-1)/n)
	for i := 0; i < len(runes); i += n {
		out = append(out, string(runes[i:min(i+n, len(runes))]))
	}
	return out
}
