// types_ui.go - Typen der Web-Oberflaeche
// Enthaelt: ChatRequest, ChatEvent, Annotation, SessionResponse, Defaults
package api

// SessionHeader traegt die Session-ID fuer Clients ohne Cookies
const SessionHeader = "X-Sphinx-Session"

// ChatRequest ist ein neuer Nutzer-Turn aus der Web-Oberflaeche
type ChatRequest struct {
	Message        string         `json:"message" binding:"required"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	ImageTransform ImageTransform `json:"image_transform,omitempty"`
}

// Annotation verknuepft eine Phrase mit normierten Bildkoordinaten
type Annotation struct {
	Text        string    `json:"text"`
	Coordinates []float64 `json:"coordinates"`
	Color       string    `json:"color"`
}

// ChatEvent ist eine Zeile im ndjson-Stream von POST /api/chat
type ChatEvent struct {
	// Conversation ist der angezeigte Verlauf (HTML-escaped)
	Conversation Conversation `json:"conversation,omitempty"`
	Done         bool         `json:"done"`

	// Nur im letzten Event gesetzt
	Colored     string       `json:"colored,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`

	Error string `json:"error,omitempty"`
}

// Defaults beschreibt die Slider-Grenzen der Oberflaeche
type Defaults struct {
	MaxTokens       int              `json:"max_tokens"`
	MaxTokensLimit  int              `json:"max_tokens_limit"`
	Temperature     float64          `json:"temperature"`
	TopP            float64          `json:"top_p"`
	ImageTransform  ImageTransform   `json:"image_transform"`
	ImageTransforms []ImageTransform `json:"image_transforms"`
}

// SessionResponse ist die Antwort von GET /api/session und den Mutations-Endpunkten
type SessionResponse struct {
	Session      string       `json:"session"`
	Conversation Conversation `json:"conversation"`
	HasImage     bool         `json:"has_image"`
	Input        string       `json:"input"`
	Defaults     *Defaults    `json:"defaults,omitempty"`
}
