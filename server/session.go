// session.go - Sitzungen der Web-Oberflaeche
//
// Enthaelt:
// - Session: Verlauf, Bild und Ergebnis eines Browsers
// - Sessions: Zuordnung per Cookie oder Header
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/vision"
)

const sessionCookie = "sphinx_session"

// ErrTurnInProgress meldet einen zweiten Chat waehrend eine Antwort laeuft
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// Session ist der Zustand eines Browsers
type Session struct {
	ID string

	mu           sync.Mutex
	conversation api.Conversation
	input        string
	imagePath    *string

	// streaming ist gesetzt solange ein Turn dieser Session laeuft.
	// gen zaehlt Undo, Clear und neue Bilder; ein laufender Turn schreibt
	// nur zurueck solange gen unveraendert ist.
	streaming bool
	gen       uint64

	// Ergebnis des letzten abgeschlossenen Turns
	result      *vision.Image
	colored     string
	annotations []api.Annotation
}

func (s *Session) response() api.SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.SessionResponse{
		Session:      s.ID,
		Conversation: s.conversation.Clone(),
		HasImage:     s.imagePath != nil,
		Input:        s.input,
	}
}

// beginTurn haengt msg als offenen Turn an und reserviert die Session
func (s *Session) beginTurn(msg string) (conv api.Conversation, gen uint64, imagePath *string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming {
		return nil, 0, nil, ErrTurnInProgress
	}
	s.streaming = true

	s.input, s.conversation = ShowUserInput(msg, s.conversation)
	if s.imagePath != nil {
		p := *s.imagePath
		imagePath = &p
	}
	return s.conversation.Clone(), s.gen, imagePath, nil
}

// update uebernimmt conv wenn der Turn gen noch aktuell ist
func (s *Session) update(gen uint64, conv api.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return false
	}
	s.conversation = conv.Clone()
	return true
}

// endTurn gibt die Session fuer den naechsten Turn frei
func (s *Session) endTurn() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
}

// undo entfernt den letzten Turn; ein laufender Turn wird verworfen
func (s *Session) undo() {
	s.conversation = Undo(s.conversation)
	s.gen++
}

// clear setzt Verlauf, Eingabe und Ergebnis zurueck
func (s *Session) clear() {
	s.gen++
	s.conversation, s.input = Clear()
	s.result = nil
	s.colored = ""
	s.annotations = nil
}

// Sessions verwaltet alle Sitzungen im Speicher
type Sessions struct {
	dir string

	mu sync.Mutex
	m  map[string]*Session
}

// NewSessions erstellt einen Speicher mit Upload-Verzeichnis dir
func NewSessions(dir string) *Sessions {
	return &Sessions{dir: dir, m: make(map[string]*Session)}
}

// Get gibt die Session zu id zurueck oder legt eine neue an
func (ss *Sessions) Get(id string) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if s, ok := ss.m[id]; ok {
		return s
	}

	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	s := &Session{ID: id, conversation: api.Conversation{}}
	ss.m[id] = s
	return s
}

// FromContext liest die Session-ID aus Header oder Cookie und setzt das Cookie
func (ss *Sessions) FromContext(c *gin.Context) *Session {
	id := c.GetHeader(api.SessionHeader)
	if id == "" {
		id, _ = c.Cookie(sessionCookie)
	}

	s := ss.Get(id)
	if s.ID != id {
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(sessionCookie, s.ID, 0, "/", "", false, true)
	}
	return s
}

// SaveImage speichert ein hochgeladenes Bild und beginnt eine neue Konversation
func (ss *Sessions) SaveImage(s *Session, data []byte) error {
	format := vision.DetectFormat(data)
	if err := vision.ValidateFormat(format); err != nil {
		return err
	}

	// nur dekodierbare Bilder landen bei den Workern
	if _, err := vision.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	if err := os.MkdirAll(ss.dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(ss.dir, s.ID+"-"+uuid.NewString()+format.Extension())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.imagePath != nil {
		os.Remove(*s.imagePath)
	}
	s.imagePath = &path
	s.clear()
	return nil
}
