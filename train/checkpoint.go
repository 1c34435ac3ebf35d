// checkpoint.go - Speichern von Zwischenstaenden in Verzeichnisse
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Checkpointer speichert den Zustand nach einer Iteration
type Checkpointer interface {
	Save(ctx context.Context, epoch, iteration int) error
}

// Stateful liefert seinen Zustand als undurchsichtige Bytes
type Stateful interface {
	State() ([]byte, error)
}

// TrainState ist der Inhalt von train_state.json
type TrainState struct {
	Epoch     int       `json:"epoch"`
	Iteration int       `json:"iteration"`
	Saved     time.Time `json:"saved"`
	Blobs     []string  `json:"blobs"`
}

// DirCheckpointer schreibt jeden Checkpoint nach Root/epoch<E>-iter<I>/
type DirCheckpointer struct {
	Root string

	// States wird unter <name>.bin abgelegt
	States map[string]Stateful
}

// Dir gibt das Verzeichnis eines Checkpoints zurueck
func (c DirCheckpointer) Dir(epoch, iteration int) string {
	return filepath.Join(c.Root, fmt.Sprintf("epoch%d-iter%d", epoch, iteration))
}

// Save schreibt alle Zustaende und zuletzt train_state.json
func (c DirCheckpointer) Save(ctx context.Context, epoch, iteration int) error {
	dir := c.Dir(epoch, iteration)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	state := TrainState{Epoch: epoch, Iteration: iteration, Saved: time.Now().UTC()}
	for _, name := range slices.Sorted(maps.Keys(c.States)) {
		s := c.States[name]
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := s.State()
		if err != nil {
			return fmt.Errorf("state %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name+".bin"), data, 0o644); err != nil {
			return err
		}
		state.Blobs = append(state.Blobs, name)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// train_state.json markiert einen vollstaendigen Checkpoint
	if err := os.WriteFile(filepath.Join(dir, "train_state.json"), data, 0o644); err != nil {
		return err
	}

	slog.Info("saved checkpoint", "dir", dir)
	return nil
}
