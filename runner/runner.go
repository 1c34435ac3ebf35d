// runner.go - Einstiegspunkt des Worker-Prozesses (sphinx runner)
//
// Enthaelt:
// - Options: Kommandozeile zwischen Supervisor und Worker
// - Execute: Initialisierung und Request-Schleife
package runner

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sphinx-mllm/sphinx/api"
	"github.com/sphinx-mllm/sphinx/dist"
	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/ipc"
	"github.com/sphinx-mllm/sphinx/logutil"
	"github.com/sphinx-mllm/sphinx/model"
	"github.com/sphinx-mllm/sphinx/vision"
)

// ResponderRank ist der einzige Worker der an die Inbound-Queue angebunden ist
const ResponderRank = 0

// Options sind die Parameter eines Workers
type Options struct {
	Rank      int
	WorldSize int
	GPUID     int

	// Broker ist die Basis-URL des Queue-Brokers im Orchestrator
	Broker string

	MasterAddr string
	MasterPort int

	Model    model.Options
	Template string
}

// Args kodiert die Options als Kommandozeile fuer "sphinx runner"
func (o Options) Args() []string {
	args := []string{
		"runner",
		"--rank", strconv.Itoa(o.Rank),
		"--world-size", strconv.Itoa(o.WorldSize),
		"--gpu-id", strconv.Itoa(o.GPUID),
		"--broker", o.Broker,
		"--master-addr", o.MasterAddr,
		"--master-port", strconv.Itoa(o.MasterPort),
		"--tokenizer-path", o.Model.TokenizerPath,
		"--llama-type", o.Model.LlamaType,
		"--max-seq-len", strconv.Itoa(o.Model.MaxSeqLen),
		"--dtype", string(o.Model.DType),
		"--template", o.Template,
	}
	for _, p := range o.Model.ConfigPaths {
		args = append(args, "--llama-config", p)
	}
	for _, p := range o.Model.PretrainedPaths {
		args = append(args, "--pretrained-path", p)
	}
	if o.Model.Quant {
		args = append(args, "--quant")
	}
	if o.Model.Backend != "" {
		args = append(args, "--backend", o.Model.Backend)
	}
	return args
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseOptions(args []string) (Options, error) {
	var o Options
	var dtype string
	var configs, pretrained listFlag

	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	fs.IntVar(&o.Rank, "rank", 0, "Rank of this worker")
	fs.IntVar(&o.WorldSize, "world-size", 1, "Number of workers")
	fs.IntVar(&o.GPUID, "gpu-id", 0, "GPU bound to this worker")
	fs.StringVar(&o.Broker, "broker", "", "Base URL of the queue broker")
	fs.StringVar(&o.MasterAddr, "master-addr", "127.0.0.1", "Address of rank 0 in the process group")
	fs.IntVar(&o.MasterPort, "master-port", 23560, "Port of rank 0 in the process group")
	fs.StringVar(&o.Model.TokenizerPath, "tokenizer-path", "", "Path to the tokenizer")
	fs.StringVar(&o.Model.LlamaType, "llama-type", "llama", "Model type")
	fs.Var(&configs, "llama-config", "Model config (repeatable, merged left to right)")
	fs.Var(&pretrained, "pretrained-path", "Pretrained weights (repeatable, merged left to right)")
	fs.IntVar(&o.Model.MaxSeqLen, "max-seq-len", 2048, "Maximum sequence length")
	fs.StringVar(&dtype, "dtype", string(vision.DTypeFP16), "Precision (fp16, bf16)")
	fs.BoolVar(&o.Model.Quant, "quant", false, "Quantize the model")
	fs.StringVar(&o.Template, "template", "v1", "Conversation template")
	fs.StringVar(&o.Model.Backend, "backend", "", "Model backend")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Runner usage\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	var err error
	if o.Model.DType, err = vision.ParseModelDType(dtype); err != nil {
		return o, err
	}
	if o.Broker == "" {
		return o, fmt.Errorf("--broker is required")
	}
	if o.Rank < 0 || o.Rank >= o.WorldSize {
		return o, fmt.Errorf("rank %d out of range for world size %d", o.Rank, o.WorldSize)
	}

	o.Model.ConfigPaths = configs
	o.Model.PretrainedPaths = pretrained
	o.Model.Rank = o.Rank
	o.Model.WorldSize = o.WorldSize
	return o, nil
}

// Execute startet einen Worker-Prozess
func Execute(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()).With("rank", opts.Rank))
	slog.Info("starting worker", "gpu", opts.GPUID, "cuda_visible_devices", envconfig.CudaVisibleDevices(), "world", opts.WorldSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(opts.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	client := api.NewClient(base, http.DefaultClient)

	go heartbeat(ctx, client, opts.Rank, envconfig.HeartbeatInterval())

	// Initializing
	joinCtx, cancel := context.WithTimeout(ctx, envconfig.GroupTimeout())
	group, err := dist.Join(joinCtx, opts.Rank, opts.WorldSize, dist.Addr(opts.MasterAddr, opts.MasterPort))
	cancel()
	if err != nil {
		return fmt.Errorf("join process group: %w", err)
	}
	defer group.Close()

	m, cfg, err := model.Load(ctx, opts.Model)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer m.Close()

	h := Handle{
		Rank:     opts.Rank,
		GPUID:    opts.GPUID,
		Outbound: ipc.NewRemoteOutbound(client, opts.Rank),
		Barrier:  ipc.NewRemoteBarrier(client),
		Group:    group,
	}
	if opts.Rank == ResponderRank {
		h.Inbound = ipc.NewRemoteInbound(client, opts.Rank)
	}

	w := NewWorker(h, m, opts.Template, cfg.ImageSize, opts.Model.DType)
	w.ValidateShards = envconfig.ValidateShards()

	err = w.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("worker stopped")
		return nil
	}
	return err
}

// heartbeat meldet dem Orchestrator in festen Abstaenden dass der Worker lebt
func heartbeat(ctx context.Context, client *api.Client, rank int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := client.Heartbeat(ctx, rank); err != nil && ctx.Err() == nil {
			slog.Debug("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
