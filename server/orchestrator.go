// orchestrator.go - Front-End-Orchestrator
//
// Enthaelt:
// - ShowUserInput, Undo, Clear: reine Operationen auf dem Verlauf
// - Orchestrator.StreamModelOutput: Phase A (Ready) und Phase B (Fan-out, Relay)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/ipc"
)

// ErrProtocol meldet eine Nachricht die im aktuellen Zustand nicht erlaubt ist
var ErrProtocol = errors.New("queue protocol violation")

var (
	htmlEscaper   = strings.NewReplacer("<", "&lt;", ">", "&gt;")
	htmlUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">")
)

// EscapeHTML maskiert spitze Klammern fuer die Anzeige
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }

// UnescapeHTML macht EscapeHTML rueckgaengig
func UnescapeHTML(s string) string { return htmlUnescaper.Replace(s) }

// ShowUserInput haengt msg als offenen Turn an und leert das Eingabefeld
func ShowUserInput(msg string, conv api.Conversation) (string, api.Conversation) {
	out := conv.Clone()
	return "", append(out, api.ChatTurn{User: msg})
}

// Undo entfernt den letzten Turn; ein leerer Verlauf bleibt leer
func Undo(conv api.Conversation) api.Conversation {
	if len(conv) == 0 {
		return conv
	}
	return conv[:len(conv)-1].Clone()
}

// Clear gibt einen leeren Verlauf und ein leeres Eingabefeld zurueck
func Clear() (api.Conversation, string) {
	return api.Conversation{}, ""
}

// TurnOptions sind die Generierungsparameter eines Turns
type TurnOptions struct {
	ImagePath      *string
	MaxTokens      int
	Temperature    float64
	TopP           float64
	ImageTransform api.ImageTransform
}

// Orchestrator verbindet die Web-Oberflaeche mit den Worker-Queues
type Orchestrator struct {
	outbound []ipc.Sender[api.GenerationRequest]
	inbound  ipc.Receiver[api.Message]

	// sem erlaubt genau eine laufende Generierung
	sem *semaphore.Weighted
}

// NewOrchestrator erstellt einen Orchestrator ueber je einer Outbound-Queue pro Worker
func NewOrchestrator(outbound []ipc.Sender[api.GenerationRequest], inbound ipc.Receiver[api.Message]) *Orchestrator {
	return &Orchestrator{
		outbound: outbound,
		inbound:  inbound,
		sem:      semaphore.NewWeighted(1),
	}
}

// StreamModelOutput generiert die Antwort fuer den offenen letzten Turn von conv.
// fn erhaelt nach jedem Chunk den angezeigten Verlauf. Zurueck kommt der
// Verlauf nach dem letzten Chunk.
func (o *Orchestrator) StreamModelOutput(ctx context.Context, conv api.Conversation, opts TurnOptions, fn func(api.Conversation) error) (api.Conversation, error) {
	last := conv.Last()
	if last == nil || last.Assistant != nil {
		return conv, fmt.Errorf("%w: conversation has no open turn", api.ErrInvalidRequest)
	}

	req := api.GenerationRequest{
		ImagePath:      opts.ImagePath,
		Conversation:   conv.Map(UnescapeHTML),
		MaxTokens:      opts.MaxTokens,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
		ImageTransform: opts.ImageTransform,
	}
	if err := req.Validate(); err != nil {
		return conv, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return conv, err
	}
	defer o.sem.Release(1)

	// Phase A: alles vor dem Ready ist Rest eines frueheren Turns
	if err := o.awaitReady(ctx); err != nil {
		return conv, err
	}

	// Phase B
	for rank, q := range o.outbound {
		if err := q.Put(ctx, req.Clone()); err != nil {
			return conv, fmt.Errorf("send request to rank %d: %w", rank, err)
		}
	}

	out := conv.Clone()
	for {
		msg, err := o.inbound.Get(ctx)
		if err != nil {
			return out, fmt.Errorf("receive chunk: %w", err)
		}

		switch msg.Kind {
		case api.MessageChunk:
			text := EscapeHTML(msg.Chunk.Text)
			out.Last().Assistant = &text
			if err := fn(out); err != nil {
				return out, err
			}
			if msg.Chunk.EndOfContent {
				return out, nil
			}
		case api.MessageError:
			return out, fmt.Errorf("generation failed: %s", msg.Error)
		default:
			return out, fmt.Errorf("%w: %s while streaming", ErrProtocol, msg)
		}
	}
}

func (o *Orchestrator) awaitReady(ctx context.Context) error {
	for {
		msg, err := o.inbound.Get(ctx)
		if err != nil {
			return fmt.Errorf("wait for ready: %w", err)
		}
		if msg.IsReady() {
			return nil
		}
		slog.Debug("discarding stale message", "message", msg)
	}
}
