// MODUL: transform
// ZWECK: Vorverarbeitung des Eingabebildes vor der Tensor-Konvertierung
// INPUT: Image, api.ImageTransform, Zielgroesse
// OUTPUT: quadratisches Image der Zielgroesse
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: sphinx/api
// HINWEISE: padded_resize fuellt mit dem CLIP-Mittelwert auf

package vision

import (
	"fmt"
	"image/color"

	"github.com/sphinx-mllm/sphinx/api"
)

// DefaultImageSize ist die Eingabegroesse des Vision-Encoders
const DefaultImageSize = 224

// meanFill ist ClipMean in 8-Bit, damit Auffuellung nach der Normalisierung 0 ergibt
var meanFill = color.RGBA{
	R: uint8(ClipMean[0]*255 + 0.5),
	G: uint8(ClipMean[1]*255 + 0.5),
	B: uint8(ClipMean[2]*255 + 0.5),
	A: 255,
}

// Transform wendet die gewaehlte Vorverarbeitung an
func Transform(img *Image, kind api.ImageTransform, size int) (*Image, error) {
	if size <= 0 {
		size = DefaultImageSize
	}

	img = Composite(img)

	switch kind {
	case api.TransformPaddedResize:
		return Resize(PadToSquare(img, meanFill), size, size)
	case api.TransformResizedCenterCrop:
		resized, err := ResizeShortSide(img, size)
		if err != nil {
			return nil, err
		}
		return CenterCrop(resized, size, size)
	default:
		return nil, fmt.Errorf("unknown image transform %q", kind)
	}
}
