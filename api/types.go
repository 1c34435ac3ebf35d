// Package api - Gemeinsame Typen zwischen Orchestrator, Broker und Workern
// Enthaelt: StatusError, ChatTurn, Conversation, ImageTransform, GenerationRequest
package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the sphinx logs for details"
	}
}

// ChatTurn ist ein Paar aus Nutzer-Aeusserung und Assistenten-Antwort.
// Assistant ist nil solange die Antwort aussteht oder gestreamt wird.
type ChatTurn struct {
	User      string  `json:"user"`
	Assistant *string `json:"assistant"`
}

// Conversation ist die geordnete Folge von ChatTurns
type Conversation []ChatTurn

// Clone erstellt eine tiefe Kopie, damit Worker keine Daten teilen
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}

	out := make(Conversation, len(c))
	for i, turn := range c {
		out[i].User = turn.User
		if turn.Assistant != nil {
			a := *turn.Assistant
			out[i].Assistant = &a
		}
	}
	return out
}

// Map wendet fn auf jeden vorhandenen Text an und gibt eine neue Conversation zurueck
func (c Conversation) Map(fn func(string) string) Conversation {
	out := c.Clone()
	for i := range out {
		out[i].User = fn(out[i].User)
		if out[i].Assistant != nil {
			a := fn(*out[i].Assistant)
			out[i].Assistant = &a
		}
	}
	return out
}

// Last gibt einen Zeiger auf den letzten Turn zurueck (nil wenn leer)
func (c Conversation) Last() *ChatTurn {
	if len(c) == 0 {
		return nil
	}
	return &c[len(c)-1]
}

// ImageTransform waehlt die Bildvorverarbeitung im Worker
type ImageTransform string

const (
	// TransformPaddedResize fuellt auf ein Quadrat auf und skaliert dann
	TransformPaddedResize ImageTransform = "padded_resize"
	// TransformResizedCenterCrop skaliert die kurze Seite und schneidet zentriert aus
	TransformResizedCenterCrop ImageTransform = "resized_center_crop"
)

// ImageTransforms listet alle unterstuetzten Transformationen in UI-Reihenfolge
var ImageTransforms = []ImageTransform{TransformPaddedResize, TransformResizedCenterCrop}

// ParseImageTransform wandelt einen String in eine ImageTransform um
func ParseImageTransform(s string) (ImageTransform, error) {
	for _, t := range ImageTransforms {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown image transform %q", s)
}

// GenerationRequest wird vom Orchestrator an jeden Worker gesendet.
// Jede Kopie wird genau einmal von ihrem Worker konsumiert.
type GenerationRequest struct {
	// ImagePath ist optional; nil bedeutet reine Text-Konversation
	ImagePath *string `json:"image_path,omitempty"`

	// Conversation enthaelt den gesamten Verlauf inklusive des offenen letzten Turns
	Conversation Conversation `json:"conversation" validate:"min=1"`

	MaxTokens      int            `json:"max_tokens" validate:"gt=0"`
	Temperature    float64        `json:"temperature" validate:"gte=0,lte=1"`
	TopP           float64        `json:"top_p" validate:"gte=0,lte=1"`
	ImageTransform ImageTransform `json:"image_transform" validate:"oneof=padded_resize resized_center_crop"`
}

// Clone erstellt eine unabhaengige Kopie fuer genau einen Worker
func (r GenerationRequest) Clone() GenerationRequest {
	out := r
	out.Conversation = r.Conversation.Clone()
	if r.ImagePath != nil {
		p := *r.ImagePath
		out.ImagePath = &p
	}
	return out
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ErrInvalidRequest markiert Validierungsfehler
var ErrInvalidRequest = errors.New("invalid generation request")

// Validate prueft die Feldgrenzen des Requests
func (r GenerationRequest) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New()
	})

	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}
