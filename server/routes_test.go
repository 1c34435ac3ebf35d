package server

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/ipc"
)

const groundedReply = "A <p>cat</p> [0.10,0.20,0.50,0.60] sits.\n"

// fakeWorker bedient das Queue-Protokoll wie der Responder
func fakeWorker(ctx context.Context, out *ipc.ChanQueue[api.GenerationRequest], in *ipc.ChanQueue[api.Message], reply string) {
	if in.Put(ctx, api.Ready()) != nil {
		return
	}
	for {
		if _, err := out.Get(ctx); err != nil {
			return
		}
		in.Put(ctx, api.Chunk(reply[:len(reply)/2], false))
		in.Put(ctx, api.Chunk(reply, true))
		if in.Put(ctx, api.Ready()) != nil {
			return
		}
	}
}

type uiFixture struct {
	srv    *httptest.Server
	client *api.Client
}

// gatedWorker haelt jede Antwort nach dem ersten Chunk an bis release ein Signal liefert
func gatedWorker(release <-chan struct{}, reply string) workerFunc {
	return func(ctx context.Context, out *ipc.ChanQueue[api.GenerationRequest], in *ipc.ChanQueue[api.Message]) {
		if in.Put(ctx, api.Ready()) != nil {
			return
		}
		for {
			if _, err := out.Get(ctx); err != nil {
				return
			}
			in.Put(ctx, api.Chunk(reply[:len(reply)/2], false))
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
			in.Put(ctx, api.Chunk(reply, true))
			if in.Put(ctx, api.Ready()) != nil {
				return
			}
		}
	}
}

type workerFunc func(ctx context.Context, out *ipc.ChanQueue[api.GenerationRequest], in *ipc.ChanQueue[api.Message])

func newUI(t *testing.T, reply string) *uiFixture {
	return newUIWith(t, func(ctx context.Context, out *ipc.ChanQueue[api.GenerationRequest], in *ipc.ChanQueue[api.Message]) {
		fakeWorker(ctx, out, in, reply)
	})
}

func newUIWith(t *testing.T, worker workerFunc) *uiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := newFixture(1)
	go worker(ctx, f.outbound[0], f.inbound)

	s := NewServer(f.orch, NewSessions(t.TempDir()), DefaultsFor(2048))
	srv := httptest.NewServer(s.GenerateRoutes())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &uiFixture{srv: srv, client: api.NewClient(u, srv.Client())}
}

func (f *uiFixture) session(t *testing.T) api.SessionResponse {
	t.Helper()
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func (f *uiFixture) post(t *testing.T, path, session string) (*http.Response, api.SessionResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(api.SessionHeader, session)

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var s api.SessionResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	}
	return resp, s
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.White)
		}
	}

	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestSessionDefaults(t *testing.T) {
	f := newUI(t, groundedReply)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "Session-Cookie fehlt")

	var s api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, cookie.Value, s.Session)
	require.NotNil(t, s.Defaults)
	assert.Equal(t, 1024, s.Defaults.MaxTokens)
	assert.Equal(t, 1024, s.Defaults.MaxTokensLimit)
	assert.InDelta(t, 0.1, s.Defaults.Temperature, 1e-9)
	assert.InDelta(t, 0.75, s.Defaults.TopP, 1e-9)
	assert.Empty(t, s.Conversation)
	assert.False(t, s.HasImage)
}

func TestChatWithImage(t *testing.T) {
	f := newUI(t, groundedReply)
	id := f.session(t).Session
	sc := f.client.WithSession(id)
	ctx := context.Background()

	s, err := sc.UploadImage(ctx, writePNG(t, 64, 32))
	require.NoError(t, err)
	assert.True(t, s.HasImage)

	var events []api.ChatEvent
	err = sc.Chat(ctx, &api.ChatRequest{Message: "What is <here>?"}, func(e api.ChatEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)

	first := events[0]
	require.Len(t, first.Conversation, 1)
	assert.Equal(t, "What is &lt;here&gt;?", first.Conversation[0].User)
	assert.Nil(t, first.Conversation[0].Assistant)

	last := events[len(events)-1]
	assert.True(t, last.Done)
	require.Len(t, last.Annotations, 1)
	assert.Equal(t, "cat", last.Annotations[0].Text)
	assert.Equal(t, "red", last.Annotations[0].Color)
	assert.Contains(t, last.Colored, `<span style="color:red">cat</span>`)
	assert.Equal(t, EscapeHTML(groundedReply), *last.Conversation[0].Assistant)
	require.NotEmpty(t, last.ImageURL)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+last.ImageURL, nil)
	require.NoError(t, err)
	req.Header.Set(api.SessionHeader, id)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())

	after := f.session(t)
	assert.NotEqual(t, id, after.Session, "neue Anfrage ohne Cookie bekommt eine eigene Session")
}

func TestChatWithoutImageHasNoResult(t *testing.T) {
	f := newUI(t, "Just text.\n")
	id := f.session(t).Session
	sc := f.client.WithSession(id)

	var last api.ChatEvent
	require.NoError(t, sc.Chat(context.Background(), &api.ChatRequest{Message: "hi"}, func(e api.ChatEvent) error {
		last = e
		return nil
	}))
	assert.True(t, last.Done)
	assert.Empty(t, last.ImageURL)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/result.png", nil)
	req.Header.Set(api.SessionHeader, id)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUndoAndClear(t *testing.T) {
	f := newUI(t, "one\n")
	id := f.session(t).Session
	sc := f.client.WithSession(id)

	for range 2 {
		require.NoError(t, sc.Chat(context.Background(), &api.ChatRequest{Message: "q"}, func(api.ChatEvent) error { return nil }))
	}

	_, s := f.post(t, "/api/undo", id)
	assert.Len(t, s.Conversation, 1)

	_, s = f.post(t, "/api/clear", id)
	assert.Empty(t, s.Conversation)

	_, s = f.post(t, "/api/undo", id)
	assert.Empty(t, s.Conversation)
}

func TestChatRejectsInvalidRequest(t *testing.T) {
	f := newUI(t, "x\n")
	sc := f.client.WithSession(f.session(t).Session)

	temp := 3.0
	err := sc.Chat(context.Background(), &api.ChatRequest{Message: "q", Temperature: &temp}, func(api.ChatEvent) error { return nil })
	var se api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)

	err = sc.Chat(context.Background(), &api.ChatRequest{}, func(api.ChatEvent) error { return nil })
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestUploadRejectsNonImage(t *testing.T) {
	f := newUI(t, "x\n")
	sc := f.client.WithSession(f.session(t).Session)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	_, err := sc.UploadImage(context.Background(), path)
	var se api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnsupportedMediaType, se.StatusCode)
}

func TestTurnOptionsClamp(t *testing.T) {
	s := NewServer(nil, nil, DefaultsFor(100))

	opts, err := s.turnOptions(api.ChatRequest{Message: "q", MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, opts.MaxTokens)
	assert.Equal(t, api.TransformPaddedResize, opts.ImageTransform)

	opts, err = s.turnOptions(api.ChatRequest{Message: "q", ImageTransform: "Resized_Center_Crop"})
	require.NoError(t, err)
	assert.Equal(t, api.TransformResizedCenterCrop, opts.ImageTransform)

	_, err = s.turnOptions(api.ChatRequest{Message: "q", ImageTransform: "stretch"})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newUI(t, "x\n")
	require.NoError(t, f.client.Health(context.Background()))
}

// startChat startet einen Chat im Hintergrund und meldet den ersten Teil-Chunk
func startChat(t *testing.T, sc *api.SessionClient, msg string) <-chan error {
	t.Helper()
	started := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		var once sync.Once
		errc <- sc.Chat(context.Background(), &api.ChatRequest{Message: msg}, func(e api.ChatEvent) error {
			if last := e.Conversation.Last(); last != nil && last.Assistant != nil && !e.Done {
				once.Do(func() { close(started) })
			}
			return nil
		})
	}()

	select {
	case <-started:
	case err := <-errc:
		t.Fatalf("Chat %q endete vor dem ersten Chunk: %v", msg, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Chat %q streamt nicht", msg)
	}
	return errc
}

func TestConcurrentChatInSameSession(t *testing.T) {
	release := make(chan struct{}, 2)
	f := newUIWith(t, gatedWorker(release, "answer one\n"))
	id := f.session(t).Session
	sc := f.client.WithSession(id)

	done := startChat(t, sc, "first")

	err := sc.Chat(context.Background(), &api.ChatRequest{Message: "second"}, func(api.ChatEvent) error { return nil })
	var se api.StatusError
	require.ErrorAs(t, err, &se, "zweiter Chat waehrend einer laufenden Antwort")
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	release <- struct{}{}
	require.NoError(t, <-done)

	s := sessionOf(t, f, id)
	require.Len(t, s.Conversation, 1)
	assert.Equal(t, "first", s.Conversation[0].User)
	require.NotNil(t, s.Conversation[0].Assistant, "Antwort des ersten Turns fehlt")
	assert.Equal(t, "answer one\n", *s.Conversation[0].Assistant)

	// nach dem Turn ist die Session wieder frei
	release <- struct{}{}
	require.NoError(t, sc.Chat(context.Background(), &api.ChatRequest{Message: "second"}, func(api.ChatEvent) error { return nil }))
	assert.Len(t, sessionOf(t, f, id).Conversation, 2)
}

func TestUndoDuringStream(t *testing.T) {
	release := make(chan struct{}, 1)
	f := newUIWith(t, gatedWorker(release, "answer one\n"))
	id := f.session(t).Session
	sc := f.client.WithSession(id)

	done := startChat(t, sc, "first")

	_, s := f.post(t, "/api/undo", id)
	assert.Empty(t, s.Conversation)

	release <- struct{}{}
	require.NoError(t, <-done)

	assert.Empty(t, sessionOf(t, f, id).Conversation, "laufender Turn darf Undo nicht ueberschreiben")
}

func TestClearDuringStream(t *testing.T) {
	release := make(chan struct{}, 1)
	f := newUIWith(t, gatedWorker(release, "answer one\n"))
	id := f.session(t).Session
	sc := f.client.WithSession(id)

	done := startChat(t, sc, "first")

	_, s := f.post(t, "/api/clear", id)
	assert.Empty(t, s.Conversation)

	release <- struct{}{}
	require.NoError(t, <-done)

	s = sessionOf(t, f, id)
	assert.Empty(t, s.Conversation)
	assert.Empty(t, s.Input)
}

func sessionOf(t *testing.T, f *uiFixture, id string) api.SessionResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/session", nil)
	require.NoError(t, err)
	req.Header.Set(api.SessionHeader, id)

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var s api.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}
