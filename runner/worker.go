// worker.go - Zustandsmaschine eines Inferenz-Workers
//
// Enthaelt:
// - Handle: alle geteilten Ressourcen eines Workers
// - Worker: Initializing -> BarrierWait -> ReadyLoop (Idle <-> Generating)
// - Turn: eine Generierung inklusive Bildvorverarbeitung und Prompt-Aufbau
package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/model"
	"github.com/sphinx-mllm/sphinx/template"
	"github.com/sphinx-mllm/sphinx/vision"
)

// State ist der Zustand eines Workers
type State int32

const (
	StateInitializing State = iota
	StateBarrierWait
	StateIdle
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateBarrierWait:
		return "barrier wait"
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Gatherer tauscht Daten zwischen allen Ranks der Prozessgruppe aus
type Gatherer interface {
	AllGather(ctx context.Context, data []byte) ([][]byte, error)
}

// Handle enthaelt die Queues und Synchronisationsobjekte eines Workers.
// Inbound ist nur beim Responder gesetzt.
type Handle struct {
	Rank  int
	GPUID int

	Outbound ipc.Receiver[api.GenerationRequest]
	Inbound  ipc.Sender[api.Message]
	Barrier  ipc.Barrier

	// Group ist nur fuer die Shard-Validierung noetig
	Group Gatherer
}

// Responder meldet ob dieser Worker Antworten an den Orchestrator sendet
func (h Handle) Responder() bool {
	return h.Inbound != nil
}

// Worker bedient GenerationRequests in einer Endlosschleife
type Worker struct {
	h     Handle
	model model.Model

	template  string
	imageSize int
	dtype     vision.DType

	// ValidateShards vergleicht nach jedem Turn die Ausgaben aller Ranks
	ValidateShards bool

	state atomic.Int32
}

// NewWorker erstellt einen Worker im Zustand Initializing
func NewWorker(h Handle, m model.Model, templateName string, imageSize int, dtype vision.DType) *Worker {
	return &Worker{h: h, model: m, template: templateName, imageSize: imageSize, dtype: dtype}
}

// State gibt den aktuellen Zustand zurueck
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if old := State(w.state.Swap(int32(s))); old != s {
		slog.Debug("worker state", "from", old, "to", s)
	}
}

// Run wartet an der Barriere und bedient dann Requests bis ctx endet
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateBarrierWait)
	if err := w.h.Barrier.Wait(ctx, w.h.Rank); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	slog.Info("worker ready", "responder", w.h.Responder(), "gpu", w.h.GPUID)

	for {
		if w.h.Responder() {
			if err := w.h.Inbound.Put(ctx, api.Ready()); err != nil {
				return fmt.Errorf("send ready: %w", err)
			}
		}

		w.setState(StateIdle)
		req, err := w.h.Outbound.Get(ctx)
		if err != nil {
			return fmt.Errorf("receive request: %w", err)
		}

		w.setState(StateGenerating)
		start := time.Now()
		text, err := w.Turn(ctx, req)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			slog.Error("generation failed", "error", err)
			if w.h.Responder() {
				if err := w.h.Inbound.Put(ctx, api.Failure(err)); err != nil {
					return fmt.Errorf("send failure: %w", err)
				}
			}
			text = "error: " + err.Error()
		} else {
			slog.Debug("turn finished", "duration", time.Since(start).Round(time.Millisecond), "chars", len(text))
		}

		if w.ValidateShards && w.h.Group != nil {
			if err := w.validate(ctx, text); err != nil {
				return fmt.Errorf("validate shards: %w", err)
			}
		}
	}
}

// Turn fuehrt eine Generierung aus und gibt den finalen Text zurueck.
// Der Responder sendet jeden Teiltext an den Orchestrator.
func (w *Worker) Turn(ctx context.Context, req api.GenerationRequest) (string, error) {
	conv, err := template.Named(w.template)
	if err != nil {
		return "", err
	}
	conv.Replay(req.Conversation)

	mreq := model.Request{
		Prompt:      conv.Prompt(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if req.ImagePath != nil {
		img, err := vision.Load(*req.ImagePath)
		if err != nil {
			return "", err
		}

		img, err = vision.Transform(img, req.ImageTransform, w.imageSize)
		if err != nil {
			return "", err
		}

		mreq.Tensor, err = vision.ToTensor(img, w.dtype)
		if err != nil {
			return "", err
		}
	}

	dec := NewTurnDecoder(conv.Separator())
	var final api.StreamChunk
	err = w.model.Generate(ctx, mreq, func(rec api.StreamChunk) error {
		out, ok := dec.Feed(rec)
		if !ok {
			return nil
		}

		final = out
		if w.h.Responder() {
			if err := w.h.Inbound.Put(ctx, api.Chunk(out.Text, out.EndOfContent)); err != nil {
				return err
			}
		}

		if out.EndOfContent {
			return model.ErrStop
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// Modell endete ohne Abschluss-Datensatz
	if dec.State() != Done {
		final.EndOfContent = true
		if w.h.Responder() {
			if err := w.h.Inbound.Put(ctx, api.Chunk(final.Text, true)); err != nil {
				return "", err
			}
		}
	}

	return final.Text, nil
}

// validate vergleicht den SHA-256 der Ausgabe ueber alle Ranks
func (w *Worker) validate(ctx context.Context, text string) error {
	digest := sha256.Sum256([]byte(text))
	all, err := w.h.Group.AllGather(ctx, digest[:])
	if err != nil {
		return err
	}

	if w.h.Rank != 0 {
		return nil
	}

	var diverged []int
	for rank, d := range all {
		if !bytes.Equal(d, digest[:]) {
			diverged = append(diverged, rank)
		}
	}
	if len(diverged) > 0 {
		slog.Warn("shard outputs diverge from responder", "ranks", diverged)
	}
	return nil
}
