// Package api - Stream-basierte Client-Methoden.
// Dieses Modul enthaelt die Chat-Methoden der Web-Oberflaeche (ndjson).

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sphinx-mllm/sphinx/version"
)

const maxBufferSize = 8 << 20

// WithSession gibt eine Kopie des Clients zurueck die die Session-ID mitsendet
func (c *Client) WithSession(id string) *SessionClient {
	return &SessionClient{Client: c, id: id}
}

// SessionClient bindet Chat-Aufrufe an eine Session der Web-Oberflaeche
type SessionClient struct {
	*Client
	id string
}

func (c *SessionClient) stream(ctx context.Context, method, path string, data any, fn func([]byte) error) error {
	var buf *bytes.Buffer
	if data != nil {
		bts, err := json.Marshal(data)
		if err != nil {
			return err
		}

		buf = bytes.NewBuffer(bts)
	}

	var body io.Reader
	if buf != nil {
		body = buf
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")
	request.Header.Set(SessionHeader, c.id)
	request.Header.Set("User-Agent", fmt.Sprintf("sphinx/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	scanner := bufio.NewScanner(response.Body)
	// increase the buffer size to avoid running out of space
	scanBuf := make([]byte, 0, maxBufferSize)
	scanner.Buffer(scanBuf, maxBufferSize)
	for scanner.Scan() {
		var errorResponse struct {
			Error string `json:"error,omitempty"`
		}

		bts := scanner.Bytes()
		if err := json.Unmarshal(bts, &errorResponse); err != nil {
			if response.StatusCode >= http.StatusBadRequest {
				return StatusError{
					StatusCode:   response.StatusCode,
					Status:       response.Status,
					ErrorMessage: string(bts),
				}
			}
			return errors.New(string(bts))
		}

		if response.StatusCode >= http.StatusBadRequest {
			return StatusError{
				StatusCode:   response.StatusCode,
				Status:       response.Status,
				ErrorMessage: errorResponse.Error,
			}
		}

		if errorResponse.Error != "" {
			return errors.New(errorResponse.Error)
		}

		if err := fn(bts); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ChatEventFunc wird fuer jedes Event von [SessionClient.Chat] aufgerufen.
// Gibt die Funktion einen Fehler zurueck, bricht Chat mit diesem Fehler ab.
type ChatEventFunc func(ChatEvent) error

// Chat sendet einen Nutzer-Turn und streamt die Antwort
func (c *SessionClient) Chat(ctx context.Context, req *ChatRequest, fn ChatEventFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/chat", req, func(bts []byte) error {
		var evt ChatEvent
		if err := json.Unmarshal(bts, &evt); err != nil {
			return err
		}

		return fn(evt)
	})
}

// UploadImage laedt ein Bild hoch und beginnt damit eine neue Konversation
func (c *SessionClient) UploadImage(ctx context.Context, path string) (*SessionResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("/api/image").String(), &body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", mw.FormDataContentType())
	request.Header.Set(SessionHeader, c.id)

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp, bts); err != nil {
		return nil, err
	}

	var out SessionResponse
	if err := json.Unmarshal(bts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewSession eroeffnet eine neue Sitzung der Web-Oberflaeche
func (c *Client) NewSession(ctx context.Context) (*SessionClient, *SessionResponse, error) {
	var resp SessionResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/session", nil, &resp); err != nil {
		return nil, nil, err
	}
	return c.WithSession(resp.Session), &resp, nil
}

func (c *SessionClient) post(ctx context.Context, path string) (*SessionResponse, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set(SessionHeader, c.id)

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp, bts); err != nil {
		return nil, err
	}

	var out SessionResponse
	if err := json.Unmarshal(bts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Undo entfernt den letzten Turn der Sitzung
func (c *SessionClient) Undo(ctx context.Context) (*SessionResponse, error) {
	return c.post(ctx, "/api/undo")
}

// Clear leert den Verlauf der Sitzung
func (c *SessionClient) Clear(ctx context.Context) (*SessionResponse, error) {
	return c.post(ctx, "/api/clear")
}
