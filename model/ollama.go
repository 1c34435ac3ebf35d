// ollama.go - Backend fuer einen Ollama-kompatiblen Server
package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/vision"
)

const maxBufferSize = 512 * 1000

func init() {
	Register("ollama", newOllama)
}

type ollamaModel struct {
	base      *url.URL
	http      *http.Client
	model     string
	maxSeqLen int
	params    map[string]any
}

func newOllama(cfg *Config, opts Options) (Model, error) {
	base, err := url.Parse(envconfig.OllamaHost())
	if err != nil {
		return nil, fmt.Errorf("invalid SPHINX_OLLAMA_HOST: %w", err)
	}

	if cfg.Model == "" {
		return nil, errors.New("no model name configured")
	}

	return &ollamaModel{
		base:      base,
		http:      http.DefaultClient,
		model:     cfg.Model,
		maxSeqLen: cfg.MaxSeqLen,
		params:    cfg.Params,
	}, nil
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Raw     bool           `json:"raw"`
	Stream  bool           `json:"stream"`
	Images  []string       `json:"images,omitempty"`
	Options map[string]any `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (m *ollamaModel) Generate(ctx context.Context, req Request, fn func(api.StreamChunk) error) error {
	body := ollamaRequest{
		Model:  m.model,
		Prompt: req.Prompt,
		Raw:    true,
		Stream: true,
		Options: map[string]any{
			"seed":        1,
			"num_predict": req.MaxTokens,
			"temperature": req.Temperature,
			"top_p":       req.TopP,
			"num_ctx":     m.maxSeqLen,
		},
	}

	if req.Tensor != nil {
		img, err := vision.TensorImage(req.Tensor)
		if err != nil {
			return fmt.Errorf("decode image tensor: %w", err)
		}

		var buf bytes.Buffer
		if err := img.EncodePNG(&buf); err != nil {
			return fmt.Errorf("encode image: %w", err)
		}
		body.Images = []string{base64.StdEncoding.EncodeToString(buf.Bytes())}
	}

	bts, err := json.Marshal(body)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base.JoinPath("/api/generate").String(), bytes.NewReader(bts))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")

	resp, err := m.http.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	// increase the buffer size to avoid running out of space
	scanBuf := make([]byte, 0, maxBufferSize)
	scanner.Buffer(scanBuf, maxBufferSize)

	var text strings.Builder
	for scanner.Scan() {
		var r ollamaResponse
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return api.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, ErrorMessage: scanner.Text()}
			}
			return fmt.Errorf("decode ollama response: %w", err)
		}

		if r.Error != "" {
			return api.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, ErrorMessage: r.Error}
		}

		text.WriteString(r.Response)
		if err := fn(api.StreamChunk{Text: text.String(), EndOfContent: r.Done}); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}

		if r.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("ollama stream ended without done")
}

func (m *ollamaModel) Close() error {
	m.http.CloseIdleConnections()
	return nil
}
