// Package grounding - Auswertung von Phrasen mit Bildkoordinaten in Modellantworten.
// Eine Antwort markiert Objekte als "<p>Phrase</p> [x1,y1,x2,y2;...]" mit auf das
// umschliessende Quadrat normierten Koordinaten.
package grounding

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sphinx-mllm/sphinx/api"
)

var (
	spanPattern  = regexp.MustCompile(`<p>(.*?)</p>\s*(\[[\d.,;\s]*\])`)
	floatPattern = regexp.MustCompile(`\d+\.\d+`)
)

// Palette wird zyklisch auf die gefundenen Phrasen verteilt
var Palette = []string{"red", "blue", "green", "purple", "orange"}

// ExtractAndColor findet alle Phrasen mit Koordinaten und faerbt sie ein.
// Pro Treffer wird nur das erste Vorkommen von <p>Phrase</p> ersetzt.
func ExtractAndColor(text string) ([]api.Annotation, string) {
	var annotations []api.Annotation
	colored := text

	idx := 0
	for _, m := range spanPattern.FindAllStringSubmatch(text, -1) {
		span, list := m[1], m[2]

		coords, ok := parseFloats(list)
		if !ok {
			continue
		}

		color := Palette[idx]
		annotations = append(annotations, api.Annotation{Text: span, Coordinates: coords, Color: color})
		colored = strings.Replace(colored, "<p>"+span+"</p>", `<span style="color:`+color+`">`+span+"</span>", 1)

		idx = (idx + 1) % len(Palette)
	}

	return annotations, colored
}

func parseFloats(s string) ([]float64, bool) {
	matches := floatPattern.FindAllString(s, -1)
	out := make([]float64, 0, len(matches))
	for _, f := range matches {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
