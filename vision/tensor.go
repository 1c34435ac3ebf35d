// MODUL: tensor
// ZWECK: Normalisierung und Umwandlung in einen Tensor der Zielpraezision
// INPUT: Image, DType
// OUTPUT: Tensor im CHW-Layout (little endian)
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: github.com/x448/float16, github.com/d4l3k/go-bfloat16
// HINWEISE: Normalisierung mit CLIP mean/std

package vision

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// CLIP Normalisierung
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// DType ist die Praezision der Modellgewichte und Eingaben
type DType string

const (
	DTypeFP16 DType = "fp16"
	DTypeBF16 DType = "bf16"
	DTypeFP32 DType = "fp32"
)

// ParseDType akzeptiert fp16, bf16 und fp32 (auch float16/bfloat16/float32)
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "fp16", "float16", "half":
		return DTypeFP16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "fp32", "float32", "float":
		return DTypeFP32, nil
	}
	return "", fmt.Errorf("unsupported dtype %q", s)
}

// ParseModelDType ist ParseDType fuer Modellgewichte, die nur in fp16 oder
// bf16 geladen werden
func ParseModelDType(s string) (DType, error) {
	d, err := ParseDType(s)
	if err != nil {
		return "", err
	}
	if d == DTypeFP32 {
		return "", fmt.Errorf("unsupported model dtype %q, use fp16 or bf16", s)
	}
	return d, nil
}

// Size gibt die Bytes pro Element zurueck
func (d DType) Size() int {
	if d == DTypeFP32 {
		return 4
	}
	return 2
}

// Tensor ist ein dichter Tensor mit Form und Rohdaten
type Tensor struct {
	Shape []int
	DType DType
	Data  []byte
}

// Len gibt die Anzahl der Elemente zurueck
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32 dekodiert die Rohdaten zurueck nach float32
func (t *Tensor) Float32() []float32 {
	switch t.DType {
	case DTypeBF16:
		return bfloat16.DecodeFloat32(t.Data)
	case DTypeFP16:
		out := make([]float32, len(t.Data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
		return out
	default:
		out := make([]float32, len(t.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return out
	}
}

// Normalize gibt die normalisierten Pixel im CHW-Layout zurueck
func Normalize(img *Image, mean, std [3]float32) []float32 {
	size := img.Width * img.Height
	out := make([]float32, 3*size)

	idx := 0
	for y := range img.Height {
		for x := range img.Width {
			c := img.RGBA.RGBAAt(x, y)
			out[idx] = (float32(c.R)/255 - mean[0]) / std[0]
			out[size+idx] = (float32(c.G)/255 - mean[1]) / std[1]
			out[2*size+idx] = (float32(c.B)/255 - mean[2]) / std[2]
			idx++
		}
	}
	return out
}

// TensorImage macht ToTensor rueckgaengig: Form [1, 3, H, W], Werte in
// Zielpraezision. Rundungsfehler der Praezision bleiben im Ergebnis sichtbar.
func TensorImage(t *Tensor) (*Image, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("tensor shape %v is not [1 3 H W]", t.Shape)
	}
	if len(t.Data) != t.Len()*t.DType.Size() {
		return nil, fmt.Errorf("tensor has %d bytes, want %d", len(t.Data), t.Len()*t.DType.Size())
	}

	h, w := t.Shape[2], t.Shape[3]
	values := t.Float32()
	size := w * h

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			idx := y*w + x
			var px [3]uint8
			for c := range 3 {
				v := values[c*size+idx]*ClipStd[c] + ClipMean[c]
				px[c] = uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
			}
			rgba.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
	return newImage(rgba, FormatPNG), nil
}

// ToTensor normalisiert img und kodiert es in dtype mit Form [1, 3, H, W]
func ToTensor(img *Image, dtype DType) (*Tensor, error) {
	values := Normalize(img, ClipMean, ClipStd)

	t := &Tensor{Shape: []int{1, 3, img.Height, img.Width}, DType: dtype}
	switch dtype {
	case DTypeBF16:
		t.Data = bfloat16.EncodeFloat32(values)
	case DTypeFP16:
		t.Data = make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case DTypeFP32:
		t.Data = make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(t.Data[4*i:], math.Float32bits(v))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return t, nil
}
