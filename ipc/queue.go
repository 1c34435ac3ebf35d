// Package ipc - Queues, Barriere und Liveness zwischen Orchestrator und Workern.
// Enthaelt: Queue-Interfaces, ChanQueue, Monitor, Fehlerwerte
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout: innerhalb des Antwortfensters kam keine Nachricht an
	ErrTimeout = errors.New("timed out waiting for worker")
	// ErrWorkerLost: ein Worker-Prozess ist beendet oder sendet keine Heartbeats mehr
	ErrWorkerLost = errors.New("worker lost")
)

// Receiver liest Elemente in FIFO-Reihenfolge
type Receiver[T any] interface {
	Get(ctx context.Context) (T, error)
}

// Sender schreibt Elemente in FIFO-Reihenfolge
type Sender[T any] interface {
	Put(ctx context.Context, v T) error
}

// Queue ist ein FIFO mit genau einem Schreiber und einem Leser
type Queue[T any] interface {
	Receiver[T]
	Sender[T]
}

// Monitor sammelt Worker-Ausfaelle. Der erste gemeldete Fehler gewinnt,
// danach bleibt Lost() fuer immer geschlossen.
type Monitor struct {
	once sync.Once
	lost chan struct{}

	mu  sync.Mutex
	err error
}

// NewMonitor erstellt einen Monitor ohne Ausfall
func NewMonitor() *Monitor {
	return &Monitor{lost: make(chan struct{})}
}

// Fail meldet einen Ausfall; nur der erste Aufruf zaehlt
func (m *Monitor) Fail(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.lost)
	})
}

// Lost wird geschlossen sobald ein Ausfall gemeldet wurde
func (m *Monitor) Lost() <-chan struct{} {
	return m.lost
}

// Err gibt den Ausfall als ErrWorkerLost zurueck, oder nil
func (m *Monitor) Err() error {
	select {
	case <-m.lost:
	default:
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		return ErrWorkerLost
	}
	return fmt.Errorf("%w: %v", ErrWorkerLost, m.err)
}

// ChanQueue ist die prozesslokale Queue des Orchestrators.
// Get ist durch Timeout und Monitor begrenzt, sofern gesetzt.
type ChanQueue[T any] struct {
	ch      chan T
	timeout time.Duration
	monitor *Monitor
}

// QueueOption konfiguriert eine ChanQueue
type QueueOption func(*queueOptions)

type queueOptions struct {
	timeout time.Duration
	monitor *Monitor
}

// WithTimeout begrenzt jedes Get auf d (d <= 0 bedeutet unbegrenzt)
func WithTimeout(d time.Duration) QueueOption {
	return func(o *queueOptions) { o.timeout = d }
}

// WithMonitor bricht wartende Gets ab sobald m einen Ausfall meldet
func WithMonitor(m *Monitor) QueueOption {
	return func(o *queueOptions) { o.monitor = m }
}

// NewChanQueue erstellt eine Queue mit der gegebenen Kapazitaet
func NewChanQueue[T any](capacity int, opts ...QueueOption) *ChanQueue[T] {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	return &ChanQueue[T]{
		ch:      make(chan T, capacity),
		timeout: o.timeout,
		monitor: o.monitor,
	}
}

// Put haengt v an; blockiert nur wenn die Queue voll ist
func (q *ChanQueue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get entnimmt das aelteste Element
func (q *ChanQueue[T]) Get(ctx context.Context) (T, error) {
	var zero T

	// vorhandene Elemente haben Vorrang vor Ausfall und Timeout
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}

	var timeout <-chan time.Time
	if q.timeout > 0 {
		t := time.NewTimer(q.timeout)
		defer t.Stop()
		timeout = t.C
	}

	var lost <-chan struct{}
	if q.monitor != nil {
		lost = q.monitor.Lost()
	}

	select {
	case v := <-q.ch:
		return v, nil
	case <-lost:
		return zero, q.monitor.Err()
	case <-timeout:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, q.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len meldet die Anzahl wartender Elemente
func (q *ChanQueue[T]) Len() int {
	return len(q.ch)
}
