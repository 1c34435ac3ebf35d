// config.go - Haupt-Konfigurationsfunktionen fuer sphinx
//
// Dieses Modul enthaelt:
// - Host: Adresse der Web-Oberflaeche (SPHINX_HOST)
// - AllowedOrigins: Erlaubte Origins fuer die Web-Oberflaeche (SPHINX_ORIGINS)
// - LoadTimeout: Maximale Wartezeit auf die Start-Barriere (SPHINX_LOAD_TIMEOUT)
// - ResponseTimeout: Maximale Wartezeit pro Empfang aus der Inbound-Queue (SPHINX_RESPONSE_TIMEOUT)
// - LogLevel: Log-Level (SPHINX_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags und Worker-Variablen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Host gibt Scheme und Host der Web-Oberflaeche zurueck
// Konfigurierbar via SPHINX_HOST
// Default: http://127.0.0.1:7860
func Host() *url.URL {
	defaultPort := "7860"

	s := strings.TrimSpace(Var("SPHINX_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via SPHINX_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("SPHINX_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Uploads gibt das Verzeichnis fuer hochgeladene Bilder zurueck
// Konfigurierbar via SPHINX_UPLOADS
// Default: $TMPDIR/sphinx-uploads
func Uploads() string {
	if s := Var("SPHINX_UPLOADS"); s != "" {
		return s
	}

	return filepath.Join(os.TempDir(), "sphinx-uploads")
}

// LoadTimeout gibt zurueck wie lange auf das Laden aller Shards gewartet wird
// Konfigurierbar via SPHINX_LOAD_TIMEOUT
// 0 oder negative Werte = unendlich
// Default: 15 Minuten
func LoadTimeout() time.Duration {
	return duration("SPHINX_LOAD_TIMEOUT", 15*time.Minute)
}

// ResponseTimeout begrenzt jeden blockierenden Empfang aus der Inbound-Queue
// Konfigurierbar via SPHINX_RESPONSE_TIMEOUT
// 0 oder negative Werte = unendlich
// Default: 5 Minuten
func ResponseTimeout() time.Duration {
	return duration("SPHINX_RESPONSE_TIMEOUT", 5*time.Minute)
}

// HeartbeatInterval gibt das Intervall der Worker-Heartbeats zurueck
// Konfigurierbar via SPHINX_HEARTBEAT_INTERVAL
// Default: 2 Sekunden
func HeartbeatInterval() time.Duration {
	return duration("SPHINX_HEARTBEAT_INTERVAL", 2*time.Second)
}

// HeartbeatTimeout gibt zurueck nach welcher Stille ein Worker als verloren gilt
// Konfigurierbar via SPHINX_HEARTBEAT_TIMEOUT
// Default: 30 Sekunden
func HeartbeatTimeout() time.Duration {
	return duration("SPHINX_HEARTBEAT_TIMEOUT", 30*time.Second)
}

// GroupTimeout begrenzt den Beitritt zur verteilten Prozessgruppe
// Konfigurierbar via SPHINX_GROUP_TIMEOUT
// Default: 5 Minuten
func GroupTimeout() time.Duration {
	return duration("SPHINX_GROUP_TIMEOUT", 5*time.Minute)
}

// duration liest eine Dauer als Go-Duration oder in Sekunden
func duration(key string, defaultValue time.Duration) time.Duration {
	d := defaultValue
	if s := Var(key); s != "" {
		if v, err := time.ParseDuration(s); err == nil {
			d = v
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(n) * time.Second
		} else {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
		}
	}

	if d <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return d
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via SPHINX_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SPHINX_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
