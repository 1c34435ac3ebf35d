// draw.go - Einzeichnen der Boxen in das Originalbild
package grounding

import (
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/vision"
)

const (
	lineWidth = 2
	labelSize = 15
	labelPad  = 3
)

var labelFace = sync.OnceValues(func() (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: labelSize, DPI: 72, Hinting: font.HintingFull})
})

// Letterbox gibt die Seitenlaenge des umschliessenden Quadrats und den
// Versatz des Bildes darin zurueck. Das Bild liegt zentriert auf der kurzen Achse.
func Letterbox(width, height int) (side, xOrigin, yOrigin int) {
	side = max(width, height)
	if width < height {
		return side, (height - width) / 2, 0
	}
	return side, 0, (width - height) / 2
}

// BoxRect rechnet normierte Quadrat-Koordinaten in Bildpixel um
func BoxRect(box [4]float64, side, xOrigin, yOrigin int) image.Rectangle {
	s := float64(side)
	px := func(v float64, origin int) int {
		return int(math.Round(v*s)) - origin
	}
	return image.Rect(px(box[0], xOrigin), px(box[1], yOrigin), px(box[2], xOrigin), px(box[3], yOrigin))
}

func colorOf(name string) color.Color {
	if c, ok := colornames.Map[name]; ok {
		return c
	}
	return colornames.Red
}

// DrawBoxes zeichnet alle Boxen und Beschriftungen in eine Kopie von img.
// Restwerte die keine vollstaendige Box ergeben werden ignoriert.
func DrawBoxes(img *vision.Image, annotations []api.Annotation) *vision.Image {
	out := img.Clone()
	side, xo, yo := Letterbox(img.Width, img.Height)

	face, err := labelFace()
	if err != nil {
		slog.Warn("label font unavailable, drawing boxes without labels", "error", err)
	}

	for _, a := range annotations {
		c := colorOf(a.Color)
		for i := 0; i+4 <= len(a.Coordinates); i += 4 {
			box := [4]float64(a.Coordinates[i : i+4])
			r := BoxRect(box, side, xo, yo)
			outline(out.RGBA, r, c)

			if face != nil {
				label(out.RGBA, face, image.Pt(r.Min.X+labelPad, r.Min.Y+labelPad), a.Text, c)
			}
		}
	}

	return out
}

// outline zeichnet einen Rahmen der Breite lineWidth nach innen; x2/y2 sind inklusive
func outline(dst *image.RGBA, r image.Rectangle, c color.Color) {
	r = image.Rect(r.Min.X, r.Min.Y, r.Max.X+1, r.Max.Y+1)
	src := image.NewUniform(c)

	w := min(lineWidth, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

// label schreibt text mit der oberen linken Ecke bei at
func label(dst *image.RGBA, face font.Face, at image.Point, text string, c color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(at.X, at.Y).Add(fixed.Point26_6{Y: face.Metrics().Ascent}),
	}
	d.DrawString(text)
}
