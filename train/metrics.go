// Package train - Treiber fuer eine Trainings-Epoche mit Praeferenz-Verlust
//
// metrics.go enthaelt:
// - SmoothedValue: gleitendes Fenster plus globaler Mittelwert
// - MetricLogger: geordnete Meter mit periodischer Ausgabe
package train

import (
	"context"
	"fmt"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindow ist die Fenstergroesse neuer Meter
const DefaultWindow = 20

// SmoothedValue verfolgt eine Reihe von Werten: Median und Mittel ueber
// ein Fenster sowie den Mittelwert ueber alle Werte
type SmoothedValue struct {
	window []float64
	size   int

	total float64
	count float64

	// Format ist das Ausgabeformat fuer String()
	Format func(v *SmoothedValue) string
}

// NewSmoothedValue erstellt einen Meter mit Fenster size
func NewSmoothedValue(size int) *SmoothedValue {
	return &SmoothedValue{size: max(size, 1)}
}

// Update fuegt value n-mal gewichtet hinzu
func (v *SmoothedValue) Update(value float64, n int) {
	v.window = append(v.window, value)
	if len(v.window) > v.size {
		v.window = v.window[len(v.window)-v.size:]
	}
	v.count += float64(n)
	v.total += value * float64(n)
}

// Synchronize gleicht count und total ueber alle Prozesse ab. Beide werden
// gemittelt, ihr Quotient bleibt damit der globale Mittelwert.
// Das Fenster bleibt lokal.
func (v *SmoothedValue) Synchronize(ctx context.Context, r Reducer) error {
	count, err := r.AllReduceMean(ctx, v.count)
	if err != nil {
		return err
	}
	total, err := r.AllReduceMean(ctx, v.total)
	if err != nil {
		return err
	}
	v.count, v.total = count, total
	return nil
}

// Median ist der untere Median des Fensters
func (v *SmoothedValue) Median() float64 {
	if len(v.window) == 0 {
		return 0
	}
	sorted := slices.Clone(v.window)
	slices.Sort(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Avg ist der Mittelwert des Fensters
func (v *SmoothedValue) Avg() float64 {
	if len(v.window) == 0 {
		return 0
	}
	return stat.Mean(v.window, nil)
}

// GlobalAvg ist der Mittelwert ueber alle Updates
func (v *SmoothedValue) GlobalAvg() float64 {
	if v.count == 0 {
		return 0
	}
	return v.total / v.count
}

// Max ist das Maximum des Fensters
func (v *SmoothedValue) Max() float64 {
	if len(v.window) == 0 {
		return 0
	}
	return floats.Max(v.window)
}

// Value ist der zuletzt gemeldete Wert
func (v *SmoothedValue) Value() float64 {
	if len(v.window) == 0 {
		return 0
	}
	return v.window[len(v.window)-1]
}

func (v *SmoothedValue) String() string {
	if v.Format != nil {
		return v.Format(v)
	}
	return fmt.Sprintf("%.4f (%.4f)", v.Median(), v.GlobalAvg())
}

// MetricLogger haelt Meter in der Reihenfolge ihres ersten Auftretens
type MetricLogger struct {
	meters    *orderedmap.OrderedMap[string, *SmoothedValue]
	delimiter string
}

// NewMetricLogger erstellt einen leeren Logger
func NewMetricLogger(delimiter string) *MetricLogger {
	return &MetricLogger{
		meters:    orderedmap.New[string, *SmoothedValue](),
		delimiter: delimiter,
	}
}

// AddMeter registriert einen Meter mit eigenem Fenster oder Format
func (l *MetricLogger) AddMeter(name string, v *SmoothedValue) {
	l.meters.Set(name, v)
}

// Update meldet einen Wert; unbekannte Meter werden angelegt
func (l *MetricLogger) Update(name string, value float64) {
	m, ok := l.meters.Get(name)
	if !ok {
		m = NewSmoothedValue(DefaultWindow)
		l.meters.Set(name, m)
	}
	m.Update(value, 1)
}

// Meter gibt den Meter name zurueck
func (l *MetricLogger) Meter(name string) (*SmoothedValue, bool) {
	return l.meters.Get(name)
}

// Names gibt die Meter-Namen in Reihenfolge zurueck
func (l *MetricLogger) Names() []string {
	names := make([]string, 0, l.meters.Len())
	for pair := l.meters.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Synchronize gleicht alle Meter ueber die Prozessgruppe ab
func (l *MetricLogger) Synchronize(ctx context.Context, r Reducer) error {
	for pair := l.meters.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.Synchronize(ctx, r); err != nil {
			return fmt.Errorf("synchronize %s: %w", pair.Key, err)
		}
	}
	return nil
}

// GlobalAvgs gibt den globalen Mittelwert jedes Meters zurueck
func (l *MetricLogger) GlobalAvgs() map[string]float64 {
	out := make(map[string]float64, l.meters.Len())
	for pair := l.meters.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value.GlobalAvg()
	}
	return out
}

func (l *MetricLogger) String() string {
	parts := make([]string, 0, l.meters.Len())
	for pair := l.meters.Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, pair.Key+": "+pair.Value.String())
	}
	return strings.Join(parts, l.delimiter)
}
