// schedule.go - Lernraten-Verlauf: linearer Warmup, dann halbe Kosinus-Periode
package train

import "math"

// Schedule beschreibt den Lernraten-Verlauf ueber Epochen
type Schedule struct {
	LR           float64
	MinLR        float64
	WarmupEpochs float64
	Epochs       float64
}

// At gibt die Lernrate fuer den Epochen-Bruchteil epoch zurueck
func (s Schedule) At(epoch float64) float64 {
	if epoch < s.WarmupEpochs {
		return s.LR * epoch / s.WarmupEpochs
	}

	span := s.Epochs - s.WarmupEpochs
	if span <= 0 {
		return s.MinLR
	}
	progress := (epoch - s.WarmupEpochs) / span
	return s.MinLR + (s.LR-s.MinLR)*0.5*(1+math.Cos(math.Pi*progress))
}

// Adjust setzt die Lernrate von opt fuer epoch und gibt sie zurueck
func (s Schedule) Adjust(opt Optimizer, epoch float64) float64 {
	lr := s.At(epoch)
	opt.SetLR(lr)
	return lr
}
