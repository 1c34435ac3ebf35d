// supervisor.go - Start und Ueberwachung aller Worker
//
// Enthaelt:
// - WorkerOptions: Rank/GPU-Zuordnung
// - Supervisor: Launch, Watch, Shutdown
package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/runner"
)

// WorkerOptions erzeugt die Optionen fuer einen Worker je GPU
func WorkerOptions(gpuIDs []int, base runner.Options) []runner.Options {
	out := make([]runner.Options, len(gpuIDs))
	for rank, gpu := range gpuIDs {
		o := base
		o.Rank = rank
		o.WorldSize = len(gpuIDs)
		o.GPUID = gpu
		o.Model.ConfigPaths = append([]string(nil), base.Model.ConfigPaths...)
		o.Model.PretrainedPaths = append([]string(nil), base.Model.PretrainedPaths...)
		out[rank] = o
	}
	return out
}

// Supervisor haelt alle Worker-Prozesse und meldet Ausfaelle an den Monitor
type Supervisor struct {
	procs   []*Process
	monitor *ipc.Monitor
	beats   *ipc.Heartbeats
}

// Launch startet alle Worker bevor irgendjemand an der Barriere wartet.
// Schlaegt ein Start fehl, werden die bereits gestarteten Worker beendet.
func Launch(workers []runner.Options, out io.Writer, monitor *ipc.Monitor, beats *ipc.Heartbeats) (*Supervisor, error) {
	s := &Supervisor{monitor: monitor, beats: beats}
	for _, w := range workers {
		p, err := StartWorker(w, out)
		if err != nil {
			if serr := s.Shutdown(StopGrace); serr != nil {
				slog.Warn("cleanup after failed start", "error", serr)
			}
			return nil, err
		}
		s.procs = append(s.procs, p)
	}
	return s, nil
}

// Processes gibt die Worker in Rank-Reihenfolge zurueck
func (s *Supervisor) Processes() []*Process {
	return s.procs
}

// Watch blockiert bis ctx endet. Das Ende eines Workers und ausbleibende
// Heartbeats werden als Ausfall an den Monitor gemeldet.
func (s *Supervisor) Watch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range s.procs {
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-p.Done():
				err := p.Err()
				if err == nil {
					err = fmt.Errorf("exited unexpectedly")
				}
				s.monitor.Fail(fmt.Errorf("rank %d (pid %d): %w", p.Rank, p.Pid(), err))
			}
			return nil
		})
	}

	if s.beats != nil {
		g.Go(func() error {
			s.beats.Watch(ctx, envconfig.HeartbeatInterval(), envconfig.HeartbeatTimeout(), s.monitor)
			return nil
		})
	}

	return g.Wait()
}

// Shutdown beendet alle Worker parallel: erst SIGTERM, nach grace Kill
func (s *Supervisor) Shutdown(grace time.Duration) error {
	var g errgroup.Group
	for _, p := range s.procs {
		g.Go(func() error {
			return p.Stop(grace)
		})
	}

	err := g.Wait()
	slog.Info("workers stopped", "count", len(s.procs))
	return err
}
