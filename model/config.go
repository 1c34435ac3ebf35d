// config.go - Modell-Konfiguration aus JSON-Dateien (von links nach rechts gemergt)
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/sphinx-mllm/sphinx/envconfig"
	"github.com/sphinx-mllm/sphinx/vision"
)

// Config ist die gemergte Modell-Konfiguration
type Config struct {
	// Backend waehlt die Implementierung (ollama, echo)
	Backend string `mapstructure:"backend"`
	// Model ist der Modellname im Backend
	Model string `mapstructure:"model"`

	ImageSize int `mapstructure:"image_size"`
	MaxSeqLen int `mapstructure:"max_seq_len"`

	// Reply ersetzt die Standardantwort des echo-Backends
	Reply string `mapstructure:"reply"`

	// Alle uebrigen Schluessel (dim, n_layers, ...) fuer das Backend
	Params map[string]any `mapstructure:",remain"`

	Shards []string `mapstructure:"-"`
}

// LoadConfig liest alle Pfade als JSON und mergt sie; spaetere Werte gewinnen
func LoadConfig(paths []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("max_seq_len", 2048)
	v.SetDefault("image_size", vision.DefaultImageSize)

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("model config: %w", err)
		}

		err = v.MergeConfig(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("model config %s: %w", p, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	return &cfg, nil
}

// SelectBackend waehlt: Flag, dann Konfiguration, dann SPHINX_BACKEND, dann ollama
func (c *Config) SelectBackend(flag string) string {
	for _, name := range []string{flag, c.Backend, envconfig.Backend()} {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return "ollama"
}

// ShardName ist der Dateiname des Shards fuer rank in einer Gruppe der Groesse world
func ShardName(rank, world int, ext string) string {
	return fmt.Sprintf("consolidated.%02d-of-%02d%s", rank, world, ext)
}

var shardExtensions = []string{".model.pth", ".safetensors"}

// ResolveShards sucht den Shard des Ranks in jedem Pfad. Jeder Pfad muss existieren;
// fehlende Shard-Dateien sind erlaubt, die gefundenen werden von links nach rechts gemergt.
func ResolveShards(paths []string, rank, world int) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no pretrained path given")
	}

	var shards []string
	for _, p := range paths {
		if err := checkPath(p); err != nil {
			return nil, fmt.Errorf("pretrained path: %w", err)
		}

		for _, ext := range shardExtensions {
			candidate := filepath.Join(p, ShardName(rank, world, ext))
			if _, err := os.Stat(candidate); err == nil {
				shards = append(shards, candidate)
				break
			}
		}
	}
	return shards, nil
}

func checkPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(p); err != nil {
		return err
	}
	return nil
}
