package runner

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/model"
	"github.com/sphinx-mllm/sphinx/vision"
)

// scripted liefert eine feste Folge kumulativer Datensaetze
type scripted struct {
	records []api.StreamChunk
	err     error

	last    model.Request
	stopped bool
}

func (m *scripted) Generate(ctx context.Context, req model.Request, fn func(api.StreamChunk) error) error {
	m.last = req
	for _, r := range m.records {
		if err := fn(r); err != nil {
			if errors.Is(err, model.ErrStop) {
				m.stopped = true
				return nil
			}
			return err
		}
	}
	return m.err
}

func (m *scripted) Close() error { return nil }

func cumulative(parts ...string) []api.StreamChunk {
	var out []api.StreamChunk
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p)
		out = append(out, api.StreamChunk{Text: sb.String()})
	}
	return out
}

func drain(q *ipc.ChanQueue[api.Message]) []api.Message {
	var out []api.Message
	for q.Len() > 0 {
		m, _ := q.Get(context.Background())
		out = append(out, m)
	}
	return out
}

func textRequest(user string) api.GenerationRequest {
	return api.GenerationRequest{
		Conversation:   api.Conversation{{User: user}},
		MaxTokens:      32,
		Temperature:    0.1,
		TopP:           0.75,
		ImageTransform: api.TransformPaddedResize,
	}
}

func TestTurnStopsAtSeparator(t *testing.T) {
	m := &scripted{records: cumulative("Hello", " world", "\n###", " Human: next")}
	inbound := ipc.NewChanQueue[api.Message](16)

	w := NewWorker(Handle{Inbound: inbound}, m, "v1", vision.DefaultImageSize, vision.DTypeFP16)
	text, err := w.Turn(context.Background(), textRequest("Hi"))
	require.NoError(t, err)

	if text != "Hello world\n" {
		t.Errorf("finaler Text = %q", text)
	}
	if !m.stopped {
		t.Error("Generierung sollte nach dem Separator abgebrochen werden")
	}

	want := []api.Message{
		api.Chunk("He", false),
		api.Chunk("Hello wo", false),
		api.Chunk("Hello world\n", true),
	}
	if diff := cmp.Diff(want, drain(inbound)); diff != "" {
		t.Errorf("Nachrichten (-want +got):\n%s", diff)
	}

	assert.Equal(t, "A chat between a curious human and an artificial intelligence assistant. "+
		"The assistant gives helpful, detailed, and polite answers to the human's questions.\n\n"+
		"### Human: Hi\n### Assistant:", m.last.Prompt)
	assert.Nil(t, m.last.Tensor)
}

func TestTurnWithoutEndRecord(t *testing.T) {
	m := &scripted{records: cumulative("Ab", "cdef")}
	inbound := ipc.NewChanQueue[api.Message](16)

	w := NewWorker(Handle{Inbound: inbound}, m, "v1", vision.DefaultImageSize, vision.DTypeFP16)
	_, err := w.Turn(context.Background(), textRequest("Hi"))
	require.NoError(t, err)

	msgs := drain(inbound)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	if last.Chunk == nil || !last.Chunk.EndOfContent {
		t.Fatalf("letzte Nachricht sollte EndOfContent tragen: %v", last)
	}
}

func TestTurnNonResponderIsSilent(t *testing.T) {
	m := &scripted{records: cumulative("Hello", " world", "\n### Human:")}

	w := NewWorker(Handle{Rank: 1}, m, "v1", vision.DefaultImageSize, vision.DTypeFP16)
	text, err := w.Turn(context.Background(), textRequest("Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello world\n", text)
}

func TestTurnWithImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")

	src := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := range 40 {
		for y := range 20 {
			src.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	m := &scripted{records: []api.StreamChunk{{Text: "red", EndOfContent: true}}}
	w := NewWorker(Handle{}, m, "v1", 16, vision.DTypeFP16)

	req := textRequest("What is this?")
	req.ImagePath = &path
	_, err = w.Turn(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, m.last.Tensor)
	assert.Equal(t, []int{1, 3, 16, 16}, m.last.Tensor.Shape)
	img, err := vision.TensorImage(m.last.Tensor)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 16, img.Height)
}

func TestTurnUnknownTemplate(t *testing.T) {
	w := NewWorker(Handle{}, &scripted{}, "nope", vision.DefaultImageSize, vision.DTypeFP16)
	if _, err := w.Turn(context.Background(), textRequest("Hi")); err == nil {
		t.Error("unbekanntes Template sollte einen Fehler liefern")
	}
}

func TestRunProtocol(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := &scripted{records: cumulative("Fine", " thanks", "\n### Human:")}
	outbound := ipc.NewChanQueue[api.GenerationRequest](1)
	inbound := ipc.NewChanQueue[api.Message](16)
	barrier := ipc.NewBarrier(2, nil)

	w := NewWorker(Handle{Outbound: outbound, Inbound: inbound, Barrier: barrier}, m, "v1", vision.DefaultImageSize, vision.DTypeFP16)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, barrier.Wait(ctx, ipc.OrchestratorParty))

	msg, err := inbound.Get(ctx)
	require.NoError(t, err)
	require.True(t, msg.IsReady(), "erste Nachricht sollte Ready sein: %v", msg)

	require.NoError(t, outbound.Put(ctx, textRequest("How are you?")))

	var final string
	for {
		msg, err := inbound.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, api.MessageChunk, msg.Kind)
		if msg.Chunk.EndOfContent {
			final = msg.Chunk.Text
			break
		}
	}
	assert.Equal(t, "Fine thanks\n", final)

	msg, err = inbound.Get(ctx)
	require.NoError(t, err)
	assert.True(t, msg.IsReady(), "nach dem Turn sollte Ready folgen")

	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReportsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("out of memory")
	m := &scripted{err: boom}
	outbound := ipc.NewChanQueue[api.GenerationRequest](1)
	inbound := ipc.NewChanQueue[api.Message](16)
	barrier := ipc.NewBarrier(1, nil)

	w := NewWorker(Handle{Outbound: outbound, Inbound: inbound, Barrier: barrier}, m, "v1", vision.DefaultImageSize, vision.DTypeFP16)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	msg, err := inbound.Get(ctx)
	require.NoError(t, err)
	require.True(t, msg.IsReady())

	require.NoError(t, outbound.Put(ctx, textRequest("Hi")))

	msg, err = inbound.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.MessageError, msg.Kind)
	assert.Contains(t, msg.Error, "out of memory")

	// der Worker bleibt nach einem Fehler bedienbar
	msg, err = inbound.Get(ctx)
	require.NoError(t, err)
	assert.True(t, msg.IsReady())

	cancel()
	<-done
}

type fakeGroup struct {
	digests [][]byte
	calls   int
}

func (g *fakeGroup) AllGather(_ context.Context, data []byte) ([][]byte, error) {
	g.calls++
	out := append([][]byte{data}, g.digests...)
	return out, nil
}

func TestValidateShards(t *testing.T) {
	g := &fakeGroup{digests: [][]byte{[]byte("other")}}
	w := NewWorker(Handle{Group: g}, &scripted{}, "v1", vision.DefaultImageSize, vision.DTypeFP16)

	require.NoError(t, w.validate(context.Background(), "text"))
	assert.Equal(t, 1, g.calls)
}

func TestOptionsArgs(t *testing.T) {
	in := Options{
		Rank:       1,
		WorldSize:  2,
		GPUID:      3,
		Broker:     "http://127.0.0.1:4000",
		MasterAddr: "127.0.0.1",
		MasterPort: 23560,
		Template:   "v1",
		Model: model.Options{
			LlamaType:       "llama_ens",
			TokenizerPath:   "/tok.model",
			ConfigPaths:     []string{"a.json", "b.json"},
			PretrainedPaths: []string{"/ckpt"},
			MaxSeqLen:       4096,
			DType:           vision.DTypeBF16,
			Quant:           true,
			Backend:         "echo",
		},
	}

	args := in.Args()
	require.Equal(t, "runner", args[0])

	got, err := parseOptions(args[1:])
	require.NoError(t, err)

	want := in
	want.Model.Rank = 1
	want.Model.WorldSize = 2
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Options (-want +got):\n%s", diff)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"ohne Broker", []string{"--rank", "0"}},
		{"Rank ausserhalb", []string{"--broker", "http://x", "--rank", "2", "--world-size", "2"}},
		{"falscher dtype", []string{"--broker", "http://x", "--dtype", "int8"}},
		{"fp32 fuer Gewichte", []string{"--broker", "http://x", "--dtype", "float32"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseOptions(tt.args); err == nil {
				t.Error("Fehler erwartet")
			}
		})
	}
}
