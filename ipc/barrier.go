// barrier.go - Start-Barriere fuer N Worker plus Orchestrator
package ipc

import (
	"context"
	"fmt"
	"sync"
)

// OrchestratorParty ist die Partei-Kennung des Orchestrators an der Barriere
const OrchestratorParty = -1

// Barrier blockiert bis alle Parteien angekommen sind
type Barrier interface {
	Wait(ctx context.Context, party int) error
}

// LocalBarrier ist die einmalige Barriere im Orchestrator-Prozess.
// Ankuenfte sind pro Partei idempotent, damit Worker nach einem
// abgebrochenen Long-Poll erneut anfragen koennen.
type LocalBarrier struct {
	parties int
	monitor *Monitor

	mu      sync.Mutex
	arrived map[int]struct{}
	release chan struct{}
}

// NewBarrier erstellt eine Barriere fuer parties Teilnehmer
func NewBarrier(parties int, monitor *Monitor) *LocalBarrier {
	return &LocalBarrier{
		parties: parties,
		monitor: monitor,
		arrived: make(map[int]struct{}, parties),
		release: make(chan struct{}),
	}
}

// Arrive registriert party ohne zu warten
func (b *LocalBarrier) Arrive(party int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.arrived[party]; !ok {
		if len(b.arrived) >= b.parties {
			return fmt.Errorf("barrier: party %d exceeds %d parties", party, b.parties)
		}
		b.arrived[party] = struct{}{}
		if len(b.arrived) == b.parties {
			close(b.release)
		}
	}
	return nil
}

// Wait registriert party und blockiert bis zur Freigabe
func (b *LocalBarrier) Wait(ctx context.Context, party int) error {
	if err := b.Arrive(party); err != nil {
		return err
	}

	var lost <-chan struct{}
	if b.monitor != nil {
		lost = b.monitor.Lost()
	}

	select {
	case <-b.release:
		return nil
	case <-lost:
		return b.monitor.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Released meldet ob alle Parteien angekommen sind
func (b *LocalBarrier) Released() <-chan struct{} {
	return b.release
}

// Status gibt Ankuenfte und Groesse zurueck
func (b *LocalBarrier) Status() (arrived, parties int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.arrived), b.parties
}
