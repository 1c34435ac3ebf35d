// serve.go - Start und Lifecycle von "sphinx demo"
// Enthaelt: Config, Serve
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/llm"
	"github.com/sphinx-mllm/sphinx/logutil"
	"github.com/sphinx-mllm/sphinx/runner"
	"github.com/sphinx-mllm/sphinx/version"
)

// Config beschreibt einen Demo-Lauf
type Config struct {
	// GPUIDs bestimmt Anzahl und GPU-Bindung der Worker
	GPUIDs []int

	// Worker enthaelt die gemeinsamen Worker-Optionen; Rank, GPU und Broker
	// werden pro Worker gesetzt
	Worker runner.Options

	// WorkerOutput erhaelt Stdout/Stderr aller Worker (Default os.Stderr)
	WorkerOutput io.Writer
}

// Serve startet Broker und Worker, wartet an der Barriere und bedient dann
// die Web-Oberflaeche bis ctx endet
func Serve(ctx context.Context, cfg Config) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	n := len(cfg.GPUIDs)
	if n == 0 {
		return errors.New("at least one GPU is required")
	}
	if cfg.WorkerOutput == nil {
		cfg.WorkerOutput = os.Stderr
	}

	monitor := ipc.NewMonitor()
	barrier := ipc.NewBarrier(n+1, monitor)
	beats := ipc.NewHeartbeats(n)

	senders := make([]ipc.Sender[api.GenerationRequest], n)
	receivers := make([]ipc.Receiver[api.GenerationRequest], n)
	for rank := range n {
		q := ipc.NewChanQueue[api.GenerationRequest](1)
		senders[rank], receivers[rank] = q, q
	}
	inbound := ipc.NewChanQueue[api.Message](64,
		ipc.WithTimeout(envconfig.ResponseTimeout()),
		ipc.WithMonitor(monitor),
	)

	brokerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	broker := ipc.NewBroker(receivers, inbound, barrier, beats, runner.ResponderRank)
	go func() {
		if err := broker.Serve(ctx, brokerLn); err != nil {
			monitor.Fail(fmt.Errorf("broker: %w", err))
		}
	}()

	base := cfg.Worker
	base.Broker = "http://" + brokerLn.Addr().String()

	// alle Worker laufen bevor jemand an der Barriere wartet
	sup, err := llm.Launch(llm.WorkerOptions(cfg.GPUIDs, base), cfg.WorkerOutput, monitor, beats)
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Shutdown(llm.StopGrace); err != nil {
			slog.Warn("stopping workers", "error", err)
		}
	}()
	go sup.Watch(ctx)

	start := time.Now()
	loadCtx, loadCancel := context.WithTimeout(ctx, envconfig.LoadTimeout())
	err = barrier.Wait(loadCtx, ipc.OrchestratorParty)
	loadCancel()
	if err != nil {
		return fmt.Errorf("waiting for workers: %w", err)
	}
	slog.Info(fmt.Sprintf("%d workers ready in %0.2f seconds", n, time.Since(start).Seconds()))

	go func() {
		select {
		case <-monitor.Lost():
			slog.Error("worker lost, further turns will fail", "error", monitor.Err())
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s := NewServer(NewOrchestrator(senders, inbound), NewSessions(envconfig.Uploads()), DefaultsFor(cfg.Worker.Model.MaxSeqLen))
	s.addr = ln.Addr()

	srvr := &http.Server{Handler: s.GenerateRoutes()}
	go func() {
		<-ctx.Done()
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	err = srvr.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
