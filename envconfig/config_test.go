package envconfig

import (
	"log/slog"
	"math"
	"testing"
	"time"
)

func TestHost(t *testing.T) {
	cases := map[string]string{
		"":                   "127.0.0.1:7860",
		"0.0.0.0":            "0.0.0.0:7860",
		":8080":              ":8080",
		"example.com":        "example.com:7860",
		"http://example.com": "example.com:80",
		"[::1]:9000":         "[::1]:9000",
		"127.0.0.1:99999":    "127.0.0.1:7860",
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("SPHINX_HOST", in)
			if got := Host().Host; got != want {
				t.Errorf("Host(%q) = %q, erwartet %q", in, got, want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("SPHINX_DEBUG", in)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel(%q) = %v, erwartet %v", in, got, want)
			}
		})
	}
}

func TestResponseTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"":       5 * time.Minute,
		"30s":    30 * time.Second,
		"90":     90 * time.Second,
		"0":      time.Duration(math.MaxInt64),
		"-1":     time.Duration(math.MaxInt64),
		"kaputt": 5 * time.Minute,
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("SPHINX_RESPONSE_TIMEOUT", in)
			if got := ResponseTimeout(); got != want {
				t.Errorf("ResponseTimeout(%q) = %v, erwartet %v", in, got, want)
			}
		})
	}
}

func TestVar(t *testing.T) {
	t.Setenv("SPHINX_TEST_VAR", `  "quoted" `)
	if got := Var("SPHINX_TEST_VAR"); got != "quoted" {
		t.Errorf("Var() = %q, erwartet %q", got, "quoted")
	}
}

func TestBoolWithDefault(t *testing.T) {
	t.Setenv("SPHINX_VALIDATE_SHARDS", "")
	if ValidateShards() {
		t.Error("ValidateShards sollte ohne Variable false sein")
	}

	t.Setenv("SPHINX_VALIDATE_SHARDS", "1")
	if !ValidateShards() {
		t.Error("ValidateShards sollte mit 1 true sein")
	}
}
