// MODUL: image
// ZWECK: Laden und Grundoperationen fuer hochgeladene Bilder
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: Image Struktur mit dekodiertem RGBA-Bild
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei Load
// ABHAENGIGKEITEN: golang.org/x/image/draw (extern), image/jpeg, image/png
// HINWEISE: Alle Bilder werden nach RGBA konvertiert, WebP ueber x/image/webp

package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	// Standard-Decoder registrieren
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Image enthaelt ein dekodiertes Bild mit Metadaten
type Image struct {
	RGBA   *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

func newImage(rgba *image.RGBA, format ImageFormat) *Image {
	b := rgba.Bounds()
	return &Image{RGBA: rgba, Width: b.Dx(), Height: b.Dy(), Format: format}
}

// Load laedt ein Bild von einem Dateipfad
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes dekodiert ein Bild aus Byte-Daten
func LoadBytes(data []byte) (*Image, error) {
	format := DetectFormat(data)
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	return newImage(toRGBA(img), format), nil
}

// Decode liest r vollstaendig und dekodiert das Bild
func Decode(r io.Reader) (*Image, error) {
	// Format-Erkennung braucht die ersten Bytes
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadBytes(data)
}

// toRGBA konvertiert ein beliebiges image.Image nach *image.RGBA mit Ursprung (0,0)
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

// Clone erstellt eine unabhaengige Kopie der Pixel
func (img *Image) Clone() *Image {
	dst := image.NewRGBA(img.RGBA.Bounds())
	copy(dst.Pix, img.RGBA.Pix)
	return newImage(dst, img.Format)
}

// EncodePNG schreibt das Bild als PNG
func (img *Image) EncodePNG(w io.Writer) error {
	return png.Encode(w, img.RGBA)
}

// Resize skaliert auf die angegebene Groesse (bikubisch)
func Resize(img *Image, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img.RGBA, img.RGBA.Bounds(), draw.Src, nil)
	return newImage(dst, img.Format), nil
}

// ResizeShortSide skaliert so dass die kurze Seite size Pixel hat
func ResizeShortSide(img *Image, size int) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}

	w, h := size, size
	if img.Width > img.Height {
		w = img.Width * size / img.Height
	} else if img.Height > img.Width {
		h = img.Height * size / img.Width
	}
	return Resize(img, w, h)
}

// PadToSquare zentriert das Bild auf einer quadratischen Flaeche der Farbe fill.
// Die Seitenlaenge ist max(W, H).
func PadToSquare(img *Image, fill color.Color) *Image {
	side := max(img.Width, img.Height)
	if img.Width == img.Height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{fill}, image.Point{}, draw.Src)

	offset := image.Pt((side-img.Width)/2, (side-img.Height)/2)
	draw.Draw(dst, img.RGBA.Bounds().Add(offset), img.RGBA, image.Point{}, draw.Src)
	return newImage(dst, img.Format)
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *Image, width, height int) (*Image, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("crop %dx%d larger than image %dx%d", width, height, img.Width, img.Height)
	}

	offsetX := (img.Width - width) / 2
	offsetY := (img.Height - height) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img.RGBA, image.Pt(offsetX, offsetY), draw.Src)
	return newImage(dst, img.Format), nil
}

// Composite entfernt den Alpha-Kanal vor weissem Hintergrund
func Composite(img *Image) *Image {
	bounds := img.RGBA.Bounds()
	dst := image.NewRGBA(bounds)

	draw.Draw(dst, bounds, &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img.RGBA, bounds.Min, draw.Over)
	return newImage(dst, img.Format)
}
