// cmd_demo.go - Der demo Command
// Hauptfunktionen: newDemoCmd, resolveGPUs, demoConfig
package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/model"
	"github.com/sphinx-mllm/sphinx/runner"
	"github.com/sphinx-mllm/sphinx/server"
	"github.com/sphinx-mllm/sphinx/template"
	"github.com/sphinx-mllm/sphinx/vision"
)

// resolveGPUs bestimmt die GPU-IDs aus --gpu-ids oder --n-gpus
func resolveGPUs(ids []int, n int) ([]int, error) {
	if len(ids) > 0 {
		seen := make(map[int]bool, len(ids))
		for _, id := range ids {
			if id < 0 {
				return nil, fmt.Errorf("invalid gpu id %d", id)
			}
			if seen[id] {
				return nil, fmt.Errorf("gpu id %d listed twice", id)
			}
			seen[id] = true
		}
		return slices.Clone(ids), nil
	}

	if n <= 0 {
		return nil, errors.New("--n-gpus must be positive")
	}

	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// demoConfig liest die Flags des demo Commands
func demoConfig(cmd *cobra.Command) (server.Config, error) {
	flags := cmd.Flags()
	var cfg server.Config

	ids, _ := flags.GetIntSlice("gpu-ids")
	n, _ := flags.GetInt("n-gpus")
	gpus, err := resolveGPUs(ids, n)
	if err != nil {
		return cfg, err
	}
	cfg.GPUIDs = gpus

	w := &cfg.Worker
	w.MasterAddr, _ = flags.GetString("master-addr")
	w.MasterPort, _ = flags.GetInt("master-port")
	w.Template, _ = flags.GetString("template")

	m := &w.Model
	m.TokenizerPath, _ = flags.GetString("tokenizer-path")
	m.LlamaType, _ = flags.GetString("llama-type")
	m.ConfigPaths, _ = flags.GetStringSlice("llama-config")
	m.PretrainedPaths, _ = flags.GetStringSlice("pretrained-path")
	m.MaxSeqLen, _ = flags.GetInt("model-max-seq-len")
	m.Quant, _ = flags.GetBool("quant")
	m.Backend, _ = flags.GetString("backend")

	dtype, _ := flags.GetString("dtype")
	if m.DType, err = vision.ParseModelDType(dtype); err != nil {
		return cfg, err
	}

	if m.MaxSeqLen <= 0 {
		return cfg, fmt.Errorf("--model-max-seq-len must be positive")
	}

	// Fehler die jeder Worker fuer sich melden wuerde frueh abfangen
	if _, err := template.Named(w.Template); err != nil {
		return cfg, err
	}
	if m.Backend != "" && !slices.Contains(model.Backends(), m.Backend) {
		return cfg, fmt.Errorf("%w %q (available: %v)", model.ErrUnknownBackend, m.Backend, model.Backends())
	}
	if _, err := model.LoadConfig(m.ConfigPaths); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RunDemo - Startet Worker und Web-Oberflaeche
func RunDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := demoConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx, cfg)
}

// newDemoCmd - Erstellt den demo Command
func newDemoCmd() *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Start the workers and the web UI",
		Args:  cobra.ExactArgs(0),
		RunE:  RunDemo,
	}

	def := runner.Options{MasterAddr: "127.0.0.1", MasterPort: 23560, Template: "v1"}

	flags := demoCmd.Flags()
	flags.IntSlice("gpu-ids", nil, "A list of GPU ids, one worker per GPU")
	flags.Int("n-gpus", 1, "Number of GPUs to use (ids 0..n-1)")
	flags.String("tokenizer-path", "", "Path to the tokenizer")
	flags.String("llama-type", "llama", "Model type")
	flags.StringSlice("llama-config", nil, "Model configs, merged left to right")
	flags.StringSlice("pretrained-path", nil, "Pretrained weights, merged left to right")
	flags.Int("model-max-seq-len", 2048, "Maximum sequence length of the model")
	flags.String("master-addr", def.MasterAddr, "Address of rank 0 in the process group")
	flags.Int("master-port", def.MasterPort, "Port of rank 0 in the process group")
	flags.String("dtype", string(vision.DTypeFP16), "Precision of the model (fp16, bf16)")
	flags.Bool("quant", false, "Quantize the model")
	flags.String("template", def.Template, fmt.Sprintf("Conversation template %v", template.Names()))
	flags.String("backend", "", fmt.Sprintf("Model backend %v (default from config, then ollama)", model.Backends()))

	demoCmd.MarkFlagsMutuallyExclusive("gpu-ids", "n-gpus")
	for _, name := range []string{"tokenizer-path", "llama-config", "pretrained-path"} {
		_ = demoCmd.MarkFlagRequired(name)
	}

	return demoCmd
}
