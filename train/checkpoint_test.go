package train

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob []byte

func (b blob) State() ([]byte, error) { return b, nil }

type brokenState struct{}

func (brokenState) State() ([]byte, error) { return nil, errors.New("device lost") }

func TestDirCheckpointerSave(t *testing.T) {
	c := DirCheckpointer{
		Root: t.TempDir(),
		States: map[string]Stateful{
			"optimizer": blob("opt"),
			"model":     blob("weights"),
		},
	}

	require.NoError(t, c.Save(context.Background(), 1, 499))

	dir := c.Dir(1, 499)
	assert.Equal(t, "epoch1-iter499", filepath.Base(dir))

	data, err := os.ReadFile(filepath.Join(dir, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	raw, err := os.ReadFile(filepath.Join(dir, "train_state.json"))
	require.NoError(t, err)

	var state TrainState
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, 1, state.Epoch)
	assert.Equal(t, 499, state.Iteration)
	assert.Equal(t, []string{"model", "optimizer"}, state.Blobs)
	assert.False(t, state.Saved.IsZero())
}

func TestDirCheckpointerStateError(t *testing.T) {
	c := DirCheckpointer{
		Root:   t.TempDir(),
		States: map[string]Stateful{"model": brokenState{}},
	}

	err := c.Save(context.Background(), 0, 9)
	assert.ErrorContains(t, err, "state model")

	// ohne train_state.json ist der Checkpoint unvollstaendig
	_, err = os.Stat(filepath.Join(c.Dir(0, 9), "train_state.json"))
	assert.True(t, os.IsNotExist(err), "train_state.json darf nicht existieren")
}
