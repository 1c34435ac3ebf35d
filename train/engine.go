// engine.go - Eine Trainings-Epoche
//
// Enthaelt:
// - Config, Deps und die Schnittstellen der Kollaborateure
// - TrainOneEpoch: Schleife mit Gradienten-Akkumulation, Logging und Checkpoints
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
)

// ErrNonFiniteLoss beendet das Training bei NaN oder Inf im Verlust
var ErrNonFiniteLoss = errors.New("loss is not finite")

// Precision ist die Rechengenauigkeit des Vorwaertsschritts
type Precision string

const (
	PrecisionBF16 Precision = "bf16"
	PrecisionFP16 Precision = "fp16"
	PrecisionTF32 Precision = "tf32"
)

// ParsePrecision prueft s gegen die unterstuetzten Genauigkeiten
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case PrecisionBF16, PrecisionFP16, PrecisionTF32:
		return p, nil
	}
	return "", fmt.Errorf("unknown precision %q", s)
}

// Batch ist ein Eintrag des DataLoaders
type Batch struct {
	// Precision wird vom Treiber gesetzt
	Precision Precision
	Data      any
}

// Output sind die skalaren Ausgaben des Modells; "loss" ist Pflicht
type Output map[string]float64

// WeightedLoss ist ein Zusatzverlust mit Gewicht
type WeightedLoss struct {
	Value  float64
	Weight float64
}

// AdditionalLosses werden gewichtet zum Verlust addiert
type AdditionalLosses map[string]WeightedLoss

// Model fuehrt den Vorwaertsschritt aus
type Model interface {
	Forward(ctx context.Context, batch Batch) (Output, AdditionalLosses, error)
}

// Optimizer haelt die Lernrate und die Gradienten
type Optimizer interface {
	LR() float64
	SetLR(lr float64)
	ZeroGrad()
}

// LossScaler fuehrt den Rueckwaertsschritt aus und aktualisiert bei update die
// Gewichte. clip <= 0 schaltet das Clipping ab.
type LossScaler interface {
	Step(ctx context.Context, loss float64, update bool, clip float64) (gradNorm float64, err error)
}

// DataLoader liefert die Batches einer Epoche ab start
type DataLoader interface {
	Len() int
	Batches(start int) iter.Seq2[int, Batch]
}

// Reducer mittelt einen Wert ueber die datenparallele Gruppe
type Reducer interface {
	AllReduceMean(ctx context.Context, v float64) (float64, error)
}

// Synchronizer wartet auf ausstehende Arbeit des Geraets
type Synchronizer interface {
	Synchronize(ctx context.Context) error
}

// Config sind die Parameter einer Epoche
type Config struct {
	Schedule  Schedule
	AccumIter int
	ClipGrad  float64
	Precision Precision

	// LogSteps: alle LogSteps Schritte gehen die Meter an den LogWriter
	LogSteps int
	// SaveIterationInterval in Schritten; gespeichert wird nach Updates
	SaveIterationInterval int
	// PrintFreq: Fortschrittszeile alle PrintFreq Schritte
	PrintFreq int

	// Out erhaelt die Tabelle der gemittelten Werte (Default io.Discard)
	Out io.Writer
}

// Deps sind die externen Kollaborateure einer Epoche.
// Reducer, Checkpointer, LogWriter und Synchronizer sind optional.
type Deps struct {
	Model        Model
	Optimizer    Optimizer
	LossScaler   LossScaler
	DataLoader   DataLoader
	Reducer      Reducer
	Checkpointer Checkpointer
	LogWriter    LogWriter
	Synchronizer Synchronizer
}

// localReducer wird ohne Prozessgruppe verwendet
type localReducer struct{}

func (localReducer) AllReduceMean(_ context.Context, v float64) (float64, error) { return v, nil }

// TrainOneEpoch trainiert eine Epoche ab Schritt startIter und gibt die
// globalen Mittelwerte aller Meter zurueck
func TrainOneEpoch(ctx context.Context, cfg Config, d Deps, epoch, startIter int) (map[string]float64, error) {
	if cfg.AccumIter <= 0 {
		cfg.AccumIter = 1
	}
	if cfg.LogSteps <= 0 {
		cfg.LogSteps = 1
	}
	if cfg.PrintFreq <= 0 {
		cfg.PrintFreq = 10
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if d.Reducer == nil {
		d.Reducer = localReducer{}
	}

	ml := NewMetricLogger("  ")
	lrMeter := NewSmoothedValue(1)
	lrMeter.Format = func(v *SmoothedValue) string { return fmt.Sprintf("%.6f", v.Value()) }
	ml.AddMeter("lr", lrMeter)

	header := fmt.Sprintf("Epoch: [%d]", epoch)
	total := d.DataLoader.Len()
	nUpdatePerSave := cfg.SaveIterationInterval / cfg.AccumIter

	d.Optimizer.ZeroGrad()
	start := time.Now()

	for step, batch := range d.DataLoader.Batches(startIter) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if step%cfg.AccumIter == 0 {
			cfg.Schedule.Adjust(d.Optimizer, float64(step)/float64(total)+float64(epoch))
		}

		batch.Precision = cfg.Precision
		out, extra, err := d.Model.Forward(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("forward step %d: %w", step, err)
		}

		dpoLoss, ok := out["loss"]
		if !ok {
			return nil, fmt.Errorf("forward step %d: model output has no loss", step)
		}

		loss := dpoLoss
		for _, name := range slices.Sorted(maps.Keys(extra)) {
			loss += extra[name].Value * extra[name].Weight
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			slog.Error("stopping training", "loss", loss, "step", step)
			return nil, fmt.Errorf("%w: %v at step %d", ErrNonFiniteLoss, loss, step)
		}

		loss /= float64(cfg.AccumIter)

		update := (step+1)%cfg.AccumIter == 0
		gradNorm, err := d.LossScaler.Step(ctx, loss, update, cfg.ClipGrad)
		if err != nil {
			return nil, fmt.Errorf("backward step %d: %w", step, err)
		}

		if update {
			if math.IsInf(gradNorm, 0) {
				slog.Warn("grad norm is inf", "step", step)
			} else {
				ml.Update("grad_norm", gradNorm)
			}
			d.Optimizer.ZeroGrad()
		}

		if d.Synchronizer != nil {
			if err := d.Synchronizer.Synchronize(ctx); err != nil {
				return nil, err
			}
		}

		ml.Update("dpo_loss", dpoLoss)
		for _, name := range slices.Sorted(maps.Keys(extra)) {
			ml.Update(name, extra[name].Value)
		}
		for _, name := range slices.Sorted(maps.Keys(out)) {
			ml.Update(name, out[name])
		}
		ml.Update("lr", d.Optimizer.LR())

		if (step+1)%cfg.LogSteps == 0 {
			if err := logScalars(ctx, ml, d, step+total*epoch); err != nil {
				return nil, err
			}
		}

		if update && nUpdatePerSave > 0 && d.Checkpointer != nil && ((step+1)/cfg.AccumIter)%nUpdatePerSave == 0 {
			if err := d.Checkpointer.Save(ctx, epoch, step); err != nil {
				return nil, fmt.Errorf("save checkpoint: %w", err)
			}
		}

		if step%cfg.PrintFreq == 0 || step == total-1 {
			done := step - startIter + 1
			eta := time.Duration(float64(time.Since(start)) / float64(done) * float64(total-step-1))
			slog.Info(header, "step", fmt.Sprintf("[%d/%d]", step, total), "eta", eta.Round(time.Second), "meters", ml.String())
		}
	}

	if err := ml.Synchronize(ctx, d.Reducer); err != nil {
		return nil, err
	}
	slog.Info("averaged stats", "meters", ml.String())
	writeSummary(cfg.Out, ml)

	return ml.GlobalAvgs(), nil
}

// logScalars mittelt jeden Meter ueber die Gruppe und schreibt ihn
func logScalars(ctx context.Context, ml *MetricLogger, d Deps, globalStep int) error {
	for _, name := range ml.Names() {
		m, _ := ml.Meter(name)
		v, err := d.Reducer.AllReduceMean(ctx, m.Value())
		if err != nil {
			return fmt.Errorf("all-reduce %s: %w", name, err)
		}
		if d.LogWriter != nil {
			if err := d.LogWriter.AddScalar(ctx, name, v, globalStep); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeSummary gibt die gemittelten Werte als Tabelle aus
func writeSummary(w io.Writer, ml *MetricLogger) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"METER", "MEDIAN", "GLOBAL AVG"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, name := range ml.Names() {
		m, _ := ml.Meter(name)
		table.Append([]string{name, fmt.Sprintf("%.4f", m.Median()), fmt.Sprintf("%.4f", m.GlobalAvg())})
	}
	table.Render()
}
