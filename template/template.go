// Package template - Konversations-Templates und System-Prompts
// Hauptmodul: eingebettete Templates, Namenssuche
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"text/template"

	"github.com/agnivade/levenshtein"
)

//go:embed index.json
var indexBytes []byte

//go:embed *.gotmpl
var templatesFS embed.FS

// SepStyle bestimmt wie Turns getrennt werden
type SepStyle string

const (
	// SepSingle trennt jeden Turn mit Sep
	SepSingle SepStyle = "single"
	// SepTwo trennt Nutzer-Turns mit Sep und Assistenten-Turns mit Sep2
	SepTwo SepStyle = "two"
)

type named struct {
	Name     string    `json:"name"`
	System   string    `json:"system"`
	Roles    [2]string `json:"roles"`
	SepStyle SepStyle  `json:"sep_style"`
	Sep      string    `json:"sep"`
	Sep2     string    `json:"sep2"`
}

var templatesOnce = sync.OnceValues(func() ([]*named, error) {
	var templates []*named
	if err := json.Unmarshal(indexBytes, &templates); err != nil {
		return nil, err
	}

	for _, t := range templates {
		if t.SepStyle != SepSingle && t.SepStyle != SepTwo {
			return nil, fmt.Errorf("template %s: unknown separator style %q", t.Name, t.SepStyle)
		}
	}
	return templates, nil
})

// Names listet alle eingebetteten Konversations-Templates
func Names() []string {
	templates, err := templatesOnce()
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return names
}

// Named gibt eine frische Konversation fuer das Template name zurueck.
// Bei unbekanntem Namen schlaegt der Fehler den aehnlichsten Namen vor.
func Named(name string) (*Conversation, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	if i := slices.IndexFunc(templates, func(t *named) bool { return t.Name == name }); i >= 0 {
		return newConversation(templates[i]), nil
	}

	var closest string
	score := math.MaxInt
	for _, t := range templates {
		if s := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(t.Name)); s < score {
			score = s
			closest = t.Name
		}
	}

	if closest != "" && score <= 3 {
		return nil, fmt.Errorf("unknown conversation template %q, did you mean %q?", name, closest)
	}
	return nil, fmt.Errorf("unknown conversation template %q (available: %s)", name, strings.Join(Names(), ", "))
}

var systemPrompts = sync.OnceValues(func() (*template.Template, error) {
	return template.New("").Option("missingkey=error").ParseFS(templatesFS, "*.gotmpl")
})

func execute(name string, fields map[string]string) (string, error) {
	tmpl, err := systemPrompts()
	if err != nil {
		return "", err
	}

	var b bytes.Buffer
	if err := tmpl.ExecuteTemplate(&b, name+".gotmpl", fields); err != nil {
		return "", err
	}
	return b.String(), nil
}
