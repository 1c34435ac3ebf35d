// status.go - Auswertung der Worker-Ausgabe
//
// Enthaelt:
// - StatusWriter: leitet Stdout/Stderr weiter und merkt sich die letzte Fehlerzeile
package llm

import (
	"bytes"
	"io"
	"sync"
)

// errorPrefixes markieren Zeilen die als Abbruchgrund in Betracht kommen
var errorPrefixes = [][]byte{
	[]byte("level=ERROR"),
	[]byte("Error:"),
	[]byte("panic:"),
	[]byte("CUDA error"),
	[]byte("out of memory"),
}

// StatusWriter reicht alle Daten an out weiter und behaelt die letzte
// Zeile die nach einem Fehler aussieht
type StatusWriter struct {
	out io.Writer

	mu         sync.Mutex
	lastErrMsg string
}

// NewStatusWriter erstellt einen StatusWriter vor out
func NewStatusWriter(out io.Writer) *StatusWriter {
	return &StatusWriter{out: out}
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	for line := range bytes.Lines(b) {
		for _, prefix := range errorPrefixes {
			if bytes.Contains(line, prefix) {
				w.mu.Lock()
				w.lastErrMsg = string(bytes.TrimSpace(line))
				w.mu.Unlock()
				break
			}
		}
	}
	return w.out.Write(b)
}

// LastErrMsg gibt die zuletzt gesehene Fehlerzeile zurueck
func (w *StatusWriter) LastErrMsg() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErrMsg
}
