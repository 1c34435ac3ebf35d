// Package model - Model-Interface und Backend-Registrierung
//
// Das Modell ist eine Black Box: es erhaelt Prompt und optionales Bild und
// liefert eine endliche Folge kumulativer Teiltexte.
//
// Hauptkomponenten:
// - Model: Interface fuer alle Backends
// - Register: Registriert Backend-Konstruktoren
// - Load: Konfiguration mergen, Shards aufloesen, Backend erzeugen
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/vision"
)

// Fehler-Definitionen
var (
	// ErrStop beendet Generate ohne Fehler, wenn fn ihn zurueckgibt
	ErrStop = errors.New("stop generation")

	ErrUnknownBackend = errors.New("unknown model backend")
)

// Request ist eine einzelne Generierung
type Request struct {
	Prompt string

	// Tensor ist das transformierte und normalisierte Eingabebild in
	// Zielpraezision, Form [1, 3, H, W] (nil ohne Bild)
	Tensor *vision.Tensor

	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Model generiert Text. fn wird fuer jeden Teiltext aufgerufen; Text ist kumulativ
// und der letzte Aufruf hat EndOfContent gesetzt. Gibt fn ErrStop zurueck,
// endet Generate mit nil.
type Model interface {
	Generate(ctx context.Context, req Request, fn func(api.StreamChunk) error) error
	Close() error
}

// Constructor erzeugt ein Backend aus der gemergten Konfiguration
type Constructor func(cfg *Config, opts Options) (Model, error)

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register registriert einen Backend-Konstruktor
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := constructors[name]; ok {
		panic("model: backend already registered: " + name)
	}
	constructors[name] = c
}

// Backends listet alle registrierten Backends
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(constructors))
}

// Options beschreibt wie ein Worker sein Modell laedt
type Options struct {
	Rank      int
	WorldSize int

	LlamaType       string
	TokenizerPath   string
	ConfigPaths     []string
	PretrainedPaths []string
	MaxSeqLen       int
	DType           vision.DType
	Quant           bool

	// Backend ueberschreibt die Auswahl aus der Konfiguration
	Backend string
}

// Load mergt die Konfigurationen, prueft die Pfade und erzeugt das Backend.
// Fehler hier beenden den Worker.
func Load(ctx context.Context, opts Options) (Model, *Config, error) {
	cfg, err := LoadConfig(opts.ConfigPaths)
	if err != nil {
		return nil, nil, err
	}

	if opts.MaxSeqLen > 0 {
		cfg.MaxSeqLen = opts.MaxSeqLen
	}
	if cfg.Model == "" {
		cfg.Model = opts.LlamaType
	}

	if err := checkPath(opts.TokenizerPath); err != nil {
		return nil, nil, fmt.Errorf("tokenizer: %w", err)
	}

	shards, err := ResolveShards(opts.PretrainedPaths, opts.Rank, opts.WorldSize)
	if err != nil {
		return nil, nil, err
	}
	cfg.Shards = shards

	name := cfg.SelectBackend(opts.Backend)
	mu.RLock()
	c, ok := constructors[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, name, Backends())
	}

	slog.Info("loading model", "backend", name, "model", cfg.Model, "rank", opts.Rank, "world", opts.WorldSize,
		"dtype", opts.DType, "quant", opts.Quant, "shards", len(shards), "max_seq_len", cfg.MaxSeqLen)

	m, err := c(cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s backend: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		m.Close()
		return nil, nil, err
	}
	return m, cfg, nil
}
