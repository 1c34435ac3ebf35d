// Package api - Client fuer den Queue-Broker und die Web-Oberflaeche.
// Dieses Modul enthaelt die Client-Struktur und die Broker-Methoden der Worker.
// Stream-Methoden fuer die Chat-API sind in client_stream.go.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"

	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/version"
)

// Client kapselt Basis-URL und HTTP-Client
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(bytes.TrimSpace(body))
	}

	return apiError
}

// ClientFromEnvironment erstellt einen Client fuer die Web-Oberflaeche aus SPHINX_HOST
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

// NewClient erstellt einen Client fuer eine beliebige Basis-URL
func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) (int, error) {
	var reqBody io.Reader
	switch reqData := reqData.(type) {
	case io.Reader:
		reqBody = reqData
	case nil:
	default:
		data, err := json.Marshal(reqData)
		if err != nil {
			return 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return 0, err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("sphinx/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return 0, err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return respObj.StatusCode, err
	}

	if err := checkError(respObj, respBody); err != nil {
		return respObj.StatusCode, err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return respObj.StatusCode, err
		}
	}
	return respObj.StatusCode, nil
}

// NextRequest holt den naechsten GenerationRequest fuer rank per Long-Poll.
// Gibt (nil, nil) zurueck wenn innerhalb des Poll-Fensters nichts ankam.
func (c *Client) NextRequest(ctx context.Context, rank int) (*GenerationRequest, error) {
	var req GenerationRequest
	status, err := c.do(ctx, http.MethodGet, "/v1/queues/"+strconv.Itoa(rank)+"/next", nil, &req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &req, nil
}

// Push legt eine Nachricht in die gemeinsame Inbound-Queue
func (c *Client) Push(ctx context.Context, rank int, msg Message) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/inbound/"+strconv.Itoa(rank), msg, nil)
	return err
}

// BarrierResponse meldet den Zustand der Start-Barriere
type BarrierResponse struct {
	Released bool `json:"released"`
	Arrived  int  `json:"arrived"`
	Parties  int  `json:"parties"`
}

// Barrier meldet rank an der Start-Barriere an und blockiert bis zur Freigabe
// oder bis zum Ende des Poll-Fensters (Released=false).
func (c *Client) Barrier(ctx context.Context, rank int) (BarrierResponse, error) {
	var resp BarrierResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/barrier/"+strconv.Itoa(rank), nil, &resp)
	return resp, err
}

// Heartbeat meldet dass rank noch lebt
func (c *Client) Heartbeat(ctx context.Context, rank int) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/heartbeat/"+strconv.Itoa(rank), nil, nil)
	return err
}

// Health prueft ob die Web-Oberflaeche antwortet
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}
