// Package llm - Worker-Prozesse und ihre Ueberwachung
//
// Funktionen zum Starten und Beenden der Worker-Subprozesse:
// - StartWorker: startet "sphinx runner" fuer einen Rank
// - setupWorkerOutput: Stdout/Stderr weiterleiten
// - Process: Pid, HasExited, Done, Stop
package llm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sphinx-mllm/sphinx/runner"
)

// StopGrace ist die Wartezeit zwischen SIGTERM und Kill
const StopGrace = 5 * time.Second

// filteredEnv filtert Umgebungsvariablen fuer sicheres Logging
type filteredEnv []string

func (e filteredEnv) LogValue() slog.Value {
	var attrs []slog.Attr
	for _, env := range e {
		if key, value, ok := strings.Cut(env, "="); ok {
			switch {
			case strings.HasPrefix(key, "SPHINX_"),
				strings.HasPrefix(key, "CUDA_"),
				strings.HasPrefix(key, "NCCL_"),
				slices.Contains([]string{
					"PATH",
					"LD_LIBRARY_PATH",
				}, key):
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	return slog.GroupValue(attrs...)
}

// Process ist ein laufender Worker-Subprozess
type Process struct {
	Rank  int
	GPUID int

	cmd    *exec.Cmd
	status *StatusWriter

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// StartWorker startet einen Worker-Subprozess.
// Der Prozess erbt keine Dateideskriptoren ausser Stdout/Stderr, die nach out gehen.
func StartWorker(opts runner.Options, out io.Writer) (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("unable to lookup executable path: %w", err)
	}

	if eval, err := filepath.EvalSymlinks(exe); err == nil {
		exe = eval
	}

	cmd := exec.Command(exe, opts.Args()...)
	cmd.Env = workerEnv(os.Environ(), opts.GPUID)
	cmd.SysProcAttr = workerSysProcAttr()

	p := &Process{
		Rank:   opts.Rank,
		GPUID:  opts.GPUID,
		cmd:    cmd,
		status: NewStatusWriter(out),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.status
	cmd.Stderr = p.status

	slog.Info("starting worker", "rank", opts.Rank, "gpu", opts.GPUID, "cmd", cmd)
	slog.Debug("subprocess", "", filteredEnv(cmd.Env))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting worker %d: %w", opts.Rank, err)
	}

	go p.monitor()
	return p, nil
}

// workerEnv setzt CUDA_VISIBLE_DEVICES auf die GPU des Workers
func workerEnv(env []string, gpu int) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if key, _, _ := strings.Cut(kv, "="); strings.EqualFold(key, "CUDA_VISIBLE_DEVICES") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(gpu))
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	if err != nil {
		if msg := p.status.LastErrMsg(); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		slog.Error("worker terminated", "rank", p.Rank, "error", err)
	} else {
		slog.Info("worker exited", "rank", p.Rank)
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Done wird geschlossen sobald der Prozess beendet ist
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err gibt das Ergebnis des Prozesses zurueck, solange er laeuft nil
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Pid gibt die Prozess-ID zurueck
func (p *Process) Pid() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return -1
}

// HasExited prueft ob der Prozess beendet wurde
func (p *Process) HasExited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sendet SIGTERM und toetet den Prozess nach grace
func (p *Process) Stop(grace time.Duration) error {
	if p.HasExited() {
		return nil
	}

	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("terminate failed, killing", "rank", p.Rank, "error", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-p.done:
		return nil
	case <-t.C:
		slog.Warn("worker did not stop in time, killing", "rank", p.Rank, "grace", grace)
		if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker %d: %w", p.Rank, err)
		}
		<-p.done
		return nil
	}
}
