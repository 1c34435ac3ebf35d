package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/vision"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfigMergesLeftToRight(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.json", `{"backend": "ollama", "model": "base", "dim": 4096, "image_size": 224}`)
	b := writeFile(t, dir, "b.json", `{"model": "sphinx", "image_size": 448}`)

	cfg, err := LoadConfig([]string{a, b})
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.Backend)
	assert.Equal(t, "sphinx", cfg.Model)
	assert.Equal(t, 448, cfg.ImageSize)
	assert.Equal(t, 2048, cfg.MaxSeqLen)
	assert.EqualValues(t, 4096, cfg.Params["dim"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig([]string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestSelectBackend(t *testing.T) {
	t.Setenv("SPHINX_BACKEND", "")
	cfg := &Config{}
	assert.Equal(t, "ollama", cfg.SelectBackend(""))

	t.Setenv("SPHINX_BACKEND", "echo")
	assert.Equal(t, "echo", cfg.SelectBackend(""))

	cfg.Backend = "ollama"
	assert.Equal(t, "ollama", cfg.SelectBackend(""))
	assert.Equal(t, "echo", cfg.SelectBackend("echo"))
}

func TestResolveShards(t *testing.T) {
	base := t.TempDir()
	first := filepath.Join(base, "first")
	second := filepath.Join(base, "second")
	require.NoError(t, os.Mkdir(first, 0o755))
	require.NoError(t, os.Mkdir(second, 0o755))

	writeFile(t, first, "consolidated.01-of-02.model.pth", "")
	writeFile(t, second, "consolidated.01-of-02.safetensors", "")
	writeFile(t, second, "consolidated.00-of-02.model.pth", "")

	shards, err := ResolveShards([]string{first, second}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(first, "consolidated.01-of-02.model.pth"),
		filepath.Join(second, "consolidated.01-of-02.safetensors"),
	}, shards)

	_, err = ResolveShards([]string{filepath.Join(base, "nope")}, 0, 1)
	assert.Error(t, err)

	_, err = ResolveShards(nil, 0, 1)
	assert.Error(t, err)
}

func collect(t *testing.T, m Model, req Request) []api.StreamChunk {
	t.Helper()
	var out []api.StreamChunk
	require.NoError(t, m.Generate(context.Background(), req, func(c api.StreamChunk) error {
		out = append(out, c)
		return nil
	}))
	return out
}

func TestEchoIsCumulativeAndDeterministic(t *testing.T) {
	m, err := newEcho(&Config{}, Options{})
	require.NoError(t, err)

	req := Request{Prompt: "### Human: hi\n### Assistant:", MaxTokens: 512}
	first := collect(t, m, req)
	second := collect(t, m, req)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second, "gleiche Eingabe muss gleiche Ausgabe liefern")

	for i := 1; i < len(first); i++ {
		assert.True(t, strings.HasPrefix(first[i].Text, first[i-1].Text), "Text muss kumulativ sein")
		assert.False(t, first[i-1].EndOfContent)
	}

	last := first[len(first)-1]
	assert.True(t, last.EndOfContent)
	assert.Contains(t, last.Text, "###", "echo schreibt ueber das Turn-Ende hinaus")
}

func TestEchoStop(t *testing.T) {
	m, _ := newEcho(&Config{Reply: "one two three"}, Options{})

	calls := 0
	err := m.Generate(context.Background(), Request{}, func(api.StreamChunk) error {
		calls++
		return ErrStop
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEchoMaxTokens(t *testing.T) {
	m, _ := newEcho(&Config{Reply: "one two three four"}, Options{})

	chunks := collect(t, m, Request{MaxTokens: 2})
	assert.Equal(t, " one ", chunks[len(chunks)-1].Text)
}

func TestEchoRuneBoundaries(t *testing.T) {
	m, _ := newEcho(&Config{Reply: "Größe über 日本語 ✓"}, Options{})

	chunks := collect(t, m, Request{Prompt: "x"})
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text), "Teiltext %q endet mitten in einem Zeichen", c.Text)
	}
	assert.Contains(t, chunks[len(chunks)-1].Text, "日本語 ✓")
}

func echoTensor(t *testing.T, size int, dtype vision.DType) *vision.Tensor {
	t.Helper()
	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	tensor, err := vision.ToTensor(&vision.Image{RGBA: rgba, Width: size, Height: size}, dtype)
	require.NoError(t, err)
	return tensor
}

func TestEchoImageTensor(t *testing.T) {
	m, err := newEcho(&Config{ImageSize: 8}, Options{DType: vision.DTypeBF16})
	require.NoError(t, err)

	chunks := collect(t, m, Request{Tensor: echoTensor(t, 8, vision.DTypeBF16)})
	assert.Contains(t, chunks[len(chunks)-1].Text, "The image shows")

	chunks = collect(t, m, Request{})
	assert.Contains(t, chunks[len(chunks)-1].Text, "Please attach an image")
}

func TestEchoRejectsTensor(t *testing.T) {
	truncated := echoTensor(t, 8, vision.DTypeFP16)
	truncated.Data = truncated.Data[:10]

	cases := []struct {
		name   string
		tensor *vision.Tensor
		want   string
	}{
		{"dtype", echoTensor(t, 8, vision.DTypeFP32), "model expects fp16"},
		{"shape", echoTensor(t, 4, vision.DTypeFP16), "shape"},
		{"data", truncated, "bytes"},
	}

	m, err := newEcho(&Config{ImageSize: 8}, Options{DType: vision.DTypeFP16})
	require.NoError(t, err)

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Generate(context.Background(), Request{Tensor: tt.tensor}, func(api.StreamChunk) error {
				t.Fatal("kein Teiltext bei ungueltigem Tensor erwartet")
				return nil
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		enc := json.NewEncoder(w)
		for _, part := range []string{"Hel", "lo", "###"} {
			enc.Encode(ollamaResponse{Response: part})
		}
		enc.Encode(ollamaResponse{Done: true})
	}))
	defer srv.Close()

	t.Setenv("SPHINX_OLLAMA_HOST", srv.URL)
	m, err := newOllama(&Config{Model: "sphinx", MaxSeqLen: 2048}, Options{})
	require.NoError(t, err)

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 2))
	rgba.SetRGBA(1, 0, color.RGBA{R: 255, A: 255})
	tensor, err := vision.ToTensor(&vision.Image{RGBA: rgba, Width: 2, Height: 2}, vision.DTypeFP32)
	require.NoError(t, err)

	chunks := collect(t, m, Request{Prompt: "p", Tensor: tensor, MaxTokens: 7, Temperature: 0.1, TopP: 0.75})

	assert.Equal(t, []api.StreamChunk{
		{Text: "Hel"},
		{Text: "Hello"},
		{Text: "Hello###"},
		{Text: "Hello###", EndOfContent: true},
	}, chunks)

	assert.Equal(t, "sphinx", got.Model)
	assert.True(t, got.Raw)
	require.Len(t, got.Images, 1)
	raw, err := base64.StdEncoding.DecodeString(got.Images[0])
	require.NoError(t, err)
	sent, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), sent.Bounds())
	r, g, b, _ := sent.At(1, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0, 0}, [3]uint32{r, g, b}, "Pixel muss aus dem Tensor zurueckgewonnen werden")
	assert.EqualValues(t, 1, got.Options["seed"])
	assert.EqualValues(t, 7, got.Options["num_predict"])
	assert.EqualValues(t, 2048, got.Options["num_ctx"])
}

func TestOllamaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ollamaResponse{Error: "model not found"})
	}))
	defer srv.Close()

	t.Setenv("SPHINX_OLLAMA_HOST", srv.URL)
	m, err := newOllama(&Config{Model: "missing"}, Options{})
	require.NoError(t, err)

	err = m.Generate(context.Background(), Request{}, func(api.StreamChunk) error { return nil })
	var serr api.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
}

func TestLoadEcho(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.json", `{"backend": "echo"}`)
	tokenizer := writeFile(t, dir, "tokenizer.model", "")

	m, cfg, err := Load(context.Background(), Options{
		WorldSize:       1,
		LlamaType:       "llama_ens",
		TokenizerPath:   tokenizer,
		ConfigPaths:     []string{cfgPath},
		PretrainedPaths: []string{dir},
		MaxSeqLen:       1024,
		DType:           vision.DTypeFP16,
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 1024, cfg.MaxSeqLen)
	assert.Equal(t, "llama_ens", cfg.Model)
}

func TestLoadUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	tokenizer := writeFile(t, dir, "tokenizer.model", "")

	_, _, err := Load(context.Background(), Options{
		WorldSize:       1,
		TokenizerPath:   tokenizer,
		PretrainedPaths: []string{dir},
		Backend:         "bogus",
	})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestLoadMissingTokenizer(t *testing.T) {
	_, _, err := Load(context.Background(), Options{
		WorldSize:       1,
		TokenizerPath:   filepath.Join(t.TempDir(), "missing"),
		PretrainedPaths: []string{t.TempDir()},
		Backend:         "echo",
	})
	assert.Error(t, err)
}
