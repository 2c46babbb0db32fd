// Package answer drives prompt construction and answer generation and emits
// the typed event sequence consumed by the chat stream.
package answer

import "github.com/mohammad-safakhou/docqa/internal/citation"

// Kind names an event on the answer stream.
type Kind string

const (
	KindCitation Kind = "citation"
	KindToken    Kind = "token"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Event is one element of the answer stream. Only the field matching Kind
// is meaningful.
type Event struct {
	Kind          Kind
	Citation      citation.Citation
	Text          string
	UsedRetrieval bool
	Message       string
}

type TokenPayload struct {
	Text string `json:"text"`
}

type DonePayload struct {
	UsedRetrieval bool `json:"used_retrieval"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Payload returns the JSON body for e.
func (e Event) Payload() any {
	switch e.Kind {
	case KindCitation:
		return e.Citation
	case KindToken:
		return TokenPayload{Text: e.Text}
	case KindDone:
		return DonePayload{UsedRetrieval: e.UsedRetrieval}
	default:
		return ErrorPayload{Message: e.Message}
	}
}

func citationEvent(c citation.Citation) Event { return Event{Kind: KindCitation, Citation: c} }

func tokenEvent(text string) Event { return Event{Kind: KindToken, Text: text} }

func doneEvent(used bool) Event { return Event{Kind: KindDone, UsedRetrieval: used} }

func errorEvent(msg string) Event { return Event{Kind: KindError, Message: msg} }
