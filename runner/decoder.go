// decoder.go - Inkrementeller Decoder fuer einen Antwort-Turn
//
// Enthaelt:
// - TurnDecoder: schneidet den kumulativen Modelltext am Turn-Separator ab
// - DecoderState: Buffering, Emitting, Done
package runner

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sphinx-mllm/sphinx/api"
)

// DecoderState ist der Zustand eines TurnDecoders
type DecoderState int

const (
	// Buffering: der Text ist noch kuerzer als der Separator
	Buffering DecoderState = iota
	// Emitting: Teiltexte werden ohne moeglichen Separator-Anfang weitergegeben
	Emitting
	// Done: der letzte Teiltext wurde ausgegeben
	Done
)

func (s DecoderState) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Emitting:
		return "emitting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// TurnDecoder haelt das Ende des Textes zurueck, solange es der Anfang des
// Separators sein koennte. Laengen zaehlen in Zeichen, nicht in Bytes.
type TurnDecoder struct {
	sep    string
	sepLen int
	state  DecoderState
}

// NewTurnDecoder erstellt einen Decoder fuer den Separator sep
func NewTurnDecoder(sep string) *TurnDecoder {
	return &TurnDecoder{sep: sep, sepLen: utf8.RuneCountInString(sep)}
}

// State gibt den aktuellen Zustand zurueck
func (d *TurnDecoder) State() DecoderState {
	return d.state
}

// Feed verarbeitet einen kumulativen Datensatz des Modells.
// ok ist false wenn nichts weitergegeben werden soll.
func (d *TurnDecoder) Feed(rec api.StreamChunk) (out api.StreamChunk, ok bool) {
	if d.state == Done {
		return api.StreamChunk{}, false
	}

	if p := strings.Index(rec.Text, d.sep); p >= 0 {
		d.state = Done
		return api.StreamChunk{
			Text:         strings.TrimRightFunc(rec.Text[:p], unicode.IsSpace) + "\n",
			EndOfContent: true,
		}, true
	}

	if rec.EndOfContent {
		d.state = Done
		return rec, true
	}

	n := utf8.RuneCountInString(rec.Text)
	if n < d.sepLen {
		d.state = Buffering
		return api.StreamChunk{}, false
	}

	d.state = Emitting
	return api.StreamChunk{Text: dropLastRunes(rec.Text, d.sepLen)}, true
}

// dropLastRunes entfernt die letzten n Zeichen von s
func dropLastRunes(s string, n int) string {
	end := len(s)
	for range n {
		_, size := utf8.DecodeLastRuneInString(s[:end])
		end -= size
	}
	return s[:end]
}
