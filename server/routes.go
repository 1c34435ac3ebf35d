// Package server - Web-Oberflaeche und Orchestrator fuer sphinx
// Beinhaltet: Server-Struct, Router-Registrierung, Middleware, Handler
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/grounding"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/version"
	"github.com/sphinx-mllm/sphinx/vision"
)

//go:embed index.html
var indexHTML []byte

// maxUploadSize begrenzt hochgeladene Bilder
const maxUploadSize = 32 << 20

var mode string = gin.DebugMode

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// Server verbindet HTTP-Handler, Sitzungen und Orchestrator
type Server struct {
	addr     net.Addr
	orch     *Orchestrator
	sessions *Sessions
	defaults api.Defaults
}

// NewServer erstellt einen Server
func NewServer(orch *Orchestrator, sessions *Sessions, defaults api.Defaults) *Server {
	return &Server{orch: orch, sessions: sessions, defaults: defaults}
}

// DefaultsFor leitet die Slider-Grenzen aus der maximalen Sequenzlaenge ab
func DefaultsFor(maxSeqLen int) api.Defaults {
	limit := max(maxSeqLen/2, 1)
	return api.Defaults{
		MaxTokens:       limit,
		MaxTokensLimit:  limit,
		Temperature:     0.1,
		TopP:            0.75,
		ImageTransform:  api.TransformPaddedResize,
		ImageTransforms: api.ImageTransforms,
	}
}

// allowedHost prueft ob der Host erlaubt ist
func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	for _, tld := range []string{"localhost", "local", "internal"} {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}

	return false
}

// allowedHostsMiddleware blockiert fremde Host-Header wenn der Server nur lokal lauscht
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		api.SessionHeader,
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true
	if !envconfig.NoCORS() {
		r.Use(cors.New(corsConfig))
	}
	r.Use(allowedHostsMiddleware(s.addr))

	r.GET("/", func(c *gin.Context) { c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML) })
	r.HEAD("/api/health", s.HealthHandler)
	r.GET("/api/health", s.HealthHandler)

	r.GET("/api/session", s.SessionHandler)
	r.POST("/api/image", s.ImageHandler)
	r.POST("/api/chat", s.ChatHandler)
	r.POST("/api/undo", s.UndoHandler)
	r.POST("/api/clear", s.ClearHandler)
	r.GET("/api/result.png", s.ResultHandler)

	return r
}

// HealthHandler meldet ob die Worker noch leben
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version, "workers": len(s.orch.outbound)})
}

func (s *Server) sessionResponse(sess *Session) api.SessionResponse {
	resp := sess.response()
	defaults := s.defaults
	resp.Defaults = &defaults
	return resp
}

// SessionHandler gibt den Zustand der Sitzung zurueck
func (s *Server) SessionHandler(c *gin.Context) {
	sess := s.sessions.FromContext(c)
	c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// ImageHandler nimmt ein Bild entgegen und leert den Verlauf
func (s *Server) ImageHandler(c *gin.Context) {
	sess := s.sessions.FromContext(c)

	fh, err := c.FormFile("image")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing form field 'image'"})
		return
	}
	if fh.Size > maxUploadSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxUploadSize)})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sessions.SaveImage(sess, data); err != nil {
		if errors.Is(err, vision.ErrUnknownFormat) {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		}
		slog.Error("save image", "session", sess.ID, "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slog.Info("image uploaded", "session", sess.ID, "bytes", len(data))
	c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// UndoHandler entfernt den letzten Turn
func (s *Server) UndoHandler(c *gin.Context) {
	sess := s.sessions.FromContext(c)
	sess.mu.Lock()
	sess.undo()
	sess.mu.Unlock()
	c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// ClearHandler leert Verlauf und Eingabefeld
func (s *Server) ClearHandler(c *gin.Context) {
	sess := s.sessions.FromContext(c)
	sess.mu.Lock()
	sess.clear()
	sess.mu.Unlock()
	c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// ResultHandler liefert das annotierte Bild des letzten Turns
func (s *Server) ResultHandler(c *gin.Context) {
	sess := s.sessions.FromContext(c)
	sess.mu.Lock()
	img := sess.result
	sess.mu.Unlock()

	if img == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no annotated image"})
		return
	}

	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "no-store")
	if err := img.EncodePNG(c.Writer); err != nil {
		slog.Error("encode result", "error", err)
	}
}

// turnOptions ergaenzt fehlende Werte aus den Defaults und begrenzt sie
func (s *Server) turnOptions(req api.ChatRequest) (TurnOptions, error) {
	opts := TurnOptions{
		MaxTokens:      req.MaxTokens,
		Temperature:    s.defaults.Temperature,
		TopP:           s.defaults.TopP,
		ImageTransform: s.defaults.ImageTransform,
	}

	if opts.MaxTokens <= 0 {
		opts.MaxTokens = s.defaults.MaxTokens
	}
	opts.MaxTokens = min(opts.MaxTokens, s.defaults.MaxTokensLimit)

	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		opts.TopP = *req.TopP
	}

	if req.ImageTransform != "" {
		t, err := api.ParseImageTransform(string(req.ImageTransform))
		if err != nil {
			return opts, err
		}
		opts.ImageTransform = t
	}

	check := api.GenerationRequest{
		Conversation:   api.Conversation{{User: req.Message}},
		MaxTokens:      opts.MaxTokens,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
		ImageTransform: opts.ImageTransform,
	}
	return opts, check.Validate()
}

// ChatHandler nimmt einen Nutzer-Turn an und streamt die Antwort als ndjson
func (s *Server) ChatHandler(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts, err := s.turnOptions(req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := s.sessions.FromContext(c)
	conv, gen, imagePath, err := sess.beginTurn(EscapeHTML(req.Message))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	opts.ImagePath = imagePath

	ctx := c.Request.Context()
	ch := make(chan any)
	send := func(v any) bool {
		select {
		case ch <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer sess.endTurn()

		if !send(api.ChatEvent{Conversation: conv}) {
			s.failTurn(sess, gen, conv, req.Message)
			return
		}

		final, err := s.orch.StreamModelOutput(ctx, conv, opts, func(conv api.Conversation) error {
			sess.update(gen, conv)
			if !send(api.ChatEvent{Conversation: conv}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			slog.Error("chat turn failed", "session", sess.ID, "error", err)
			s.failTurn(sess, gen, final, req.Message)
			send(gin.H{"error": err.Error(), "status": statusFor(err)})
			return
		}

		send(s.finishTurn(sess, gen, final))
	}()

	streamResponse(c, ch)
}

// statusFor bildet Orchestrator-Fehler auf HTTP-Status ab
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ipc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ipc.ErrWorkerLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// failTurn entfernt einen unbeantworteten Turn und stellt die Eingabe wieder her
func (s *Server) failTurn(sess *Session, gen uint64, conv api.Conversation, msg string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.gen != gen {
		return
	}
	if last := conv.Last(); last != nil && last.Assistant == nil {
		conv = Undo(conv)
		sess.input = msg
	}
	sess.conversation = conv
}

// finishTurn faerbt die Phrasen der Antwort ein und zeichnet die Boxen
func (s *Server) finishTurn(sess *Session, gen uint64, conv api.Conversation) api.ChatEvent {
	raw := UnescapeHTML(*conv.Last().Assistant)
	annotations, colored := grounding.ExtractAndColor(raw)
	evt := api.ChatEvent{Conversation: conv, Done: true, Colored: colored, Annotations: annotations}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// nach Undo, Clear oder neuem Bild gehoert die Antwort nicht mehr zum Verlauf
	if sess.gen != gen {
		return evt
	}

	sess.conversation = conv
	sess.colored = colored
	sess.annotations = annotations
	sess.result = nil

	if sess.imagePath == nil {
		return evt
	}

	img, err := vision.Load(*sess.imagePath)
	if err != nil {
		slog.Warn("reload image for annotation", "error", err)
		return evt
	}

	sess.result = grounding.DrawBoxes(img, annotations)
	evt.ImageURL = fmt.Sprintf("/api/result.png?turn=%d", len(conv))
	return evt
}

// streamResponse schreibt die Werte aus ch als ndjson
func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}
