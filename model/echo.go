// echo.go - Deterministisches Offline-Backend fuer Tests und Probelaeufe
package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/vision"
)

func init() {
	Register("echo", newEcho)
}

const (
	defaultImageReply = "The image shows <p>a region of interest</p> [0.10,0.20,0.50,0.60] next to <p>the background</p> [0.00,0.00,1.00,1.00]."
	defaultTextReply  = "Please attach an image so I can describe it."

	// echoContinuation imitiert ein Modell das ueber das Turn-Ende hinaus weiterschreibt
	echoContinuation = "\n### Human: and then?"
)

type echoModel struct {
	reply string
	seed  uint64

	// Erwartete Eingabe des Bild-Encoders
	dtype     vision.DType
	imageSize int
}

func newEcho(cfg *Config, opts Options) (Model, error) {
	dtype := opts.DType
	if dtype == "" {
		dtype = vision.DTypeFP16
	}
	size := cfg.ImageSize
	if size <= 0 {
		size = vision.DefaultImageSize
	}
	return &echoModel{reply: cfg.Reply, seed: 1, dtype: dtype, imageSize: size}, nil
}

// checkTensor prueft den Bildtensor so wie ein Encoder es tun wuerde
func (m *echoModel) checkTensor(t *vision.Tensor) error {
	if t.DType != m.dtype {
		return fmt.Errorf("echo: image tensor is %s, model expects %s", t.DType, m.dtype)
	}
	want := []int{1, 3, m.imageSize, m.imageSize}
	if !slices.Equal(t.Shape, want) {
		return fmt.Errorf("echo: image tensor shape %v, want %v", t.Shape, want)
	}
	if len(t.Data) != t.Len()*t.DType.Size() {
		return fmt.Errorf("echo: image tensor has %d bytes, want %d", len(t.Data), t.Len()*t.DType.Size())
	}
	return nil
}

// Generate liefert die Antwort in zufaellig grossen, aber reproduzierbaren Stuecken
func (m *echoModel) Generate(ctx context.Context, req Request, fn func(api.StreamChunk) error) error {
	if req.Tensor != nil {
		if err := m.checkTensor(req.Tensor); err != nil {
			return err
		}
	}

	reply := m.reply
	switch {
	case reply != "":
	case req.Tensor != nil:
		reply = defaultImageReply
	default:
		reply = defaultTextReply
	}

	full := " " + reply + echoContinuation
	if req.MaxTokens > 0 {
		// ein Token entspricht hier einem Wort
		words := strings.SplitAfter(full, " ")
		if len(words) > req.MaxTokens {
			full = strings.Join(words[:req.MaxTokens], "")
		}
	}

	rng := rand.New(rand.NewPCG(m.seed, uint64(len(req.Prompt))))
	for end := 0; end < len(full); {
		if err := ctx.Err(); err != nil {
			return err
		}

		end = min(len(full), end+1+rng.IntN(6))
		for end < len(full) && !utf8.RuneStart(full[end]) {
			end++
		}
		chunk := api.StreamChunk{Text: full[:end], EndOfContent: end == len(full)}
		if err := fn(chunk); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return fmt.Errorf("echo: %w", err)
		}
	}
	return nil
}

func (m *echoModel) Close() error { return nil }
