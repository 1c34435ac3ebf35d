// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String/StringWithDefault: String-Getter
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// StringWithDefault gibt eine Funktion zurueck, die einen String mit Default liest
func StringWithDefault(s, defaultValue string) func() string {
	return func() string {
		if v := Var(s); v != "" {
			return v
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SPHINX_DEBUG":              {"SPHINX_DEBUG", LogLevel(), "Show additional debug information (e.g. SPHINX_DEBUG=1)"},
		"SPHINX_HOST":               {"SPHINX_HOST", Host(), "Address of the web UI (default 127.0.0.1:7860)"},
		"SPHINX_ORIGINS":            {"SPHINX_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"SPHINX_UPLOADS":            {"SPHINX_UPLOADS", Uploads(), "Directory for uploaded images"},
		"SPHINX_LOAD_TIMEOUT":       {"SPHINX_LOAD_TIMEOUT", LoadTimeout(), "How long to wait for all model shards to load (default \"15m\")"},
		"SPHINX_RESPONSE_TIMEOUT":   {"SPHINX_RESPONSE_TIMEOUT", ResponseTimeout(), "How long to wait for each worker message (default \"5m\")"},
		"SPHINX_HEARTBEAT_INTERVAL": {"SPHINX_HEARTBEAT_INTERVAL", HeartbeatInterval(), "Interval of worker heartbeats (default \"2s\")"},
		"SPHINX_HEARTBEAT_TIMEOUT":  {"SPHINX_HEARTBEAT_TIMEOUT", HeartbeatTimeout(), "Silence after which a worker is considered lost (default \"30s\")"},
		"SPHINX_GROUP_TIMEOUT":      {"SPHINX_GROUP_TIMEOUT", GroupTimeout(), "How long workers wait to join the process group (default \"5m\")"},
		"SPHINX_VALIDATE_SHARDS":    {"SPHINX_VALIDATE_SHARDS", ValidateShards(), "Compare the final text of every rank after each turn"},
		"SPHINX_NO_CORS":            {"SPHINX_NO_CORS", NoCORS(), "Disable the CORS middleware of the web UI"},
		"SPHINX_OLLAMA_HOST":        {"SPHINX_OLLAMA_HOST", OllamaHost(), "Address of the Ollama compatible backend (default http://127.0.0.1:11434)"},
		"SPHINX_BACKEND":            {"SPHINX_BACKEND", Backend(), "Override the model backend (ollama, echo)"},
		"CUDA_VISIBLE_DEVICES":      {"CUDA_VISIBLE_DEVICES", CudaVisibleDevices(), "Set which NVIDIA devices are visible"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
