// config_features.go - Feature-Flags und Worker-Konfiguration
//
// Dieses Modul enthaelt:
// - Feature-Flags (ValidateShards, NoShare)
// - Backend-Variablen
// - GPU-bezogene Environment-Variablen
package envconfig

// =============================================================================
// Feature-Flags
// =============================================================================

var (
	// ValidateShards vergleicht nach jedem Turn die Ausgaben aller Ranks
	ValidateShards = Bool("SPHINX_VALIDATE_SHARDS")

	// NoCORS deaktiviert die CORS-Middleware der Web-Oberflaeche
	NoCORS = Bool("SPHINX_NO_CORS")
)

// =============================================================================
// Backend-Konfiguration
// =============================================================================

var (
	// OllamaHost ist die Adresse des Ollama-kompatiblen Generierungs-Servers
	OllamaHost = StringWithDefault("SPHINX_OLLAMA_HOST", "http://127.0.0.1:11434")

	// Backend ueberschreibt das Backend aus der Modell-Konfiguration
	Backend = String("SPHINX_BACKEND")
)

// =============================================================================
// GPU-Sichtbarkeits-Variablen
// =============================================================================

var (
	// CudaVisibleDevices steuert sichtbare NVIDIA-Geraete
	CudaVisibleDevices = String("CUDA_VISIBLE_DEVICES")
)
