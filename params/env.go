package params

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

func Int(key string, defaultValue int) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.Atoi(s); err != nil || n < 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

func String(key, defaultValue string) func() string {
	return func() string {
		if s := Var(key); s != "" {
			return s
		}
		return defaultValue
	}
}

var (
	// Debug enables debug logging. DIFFCAP_DEBUG=1
	Debug = Bool("DIFFCAP_DEBUG")
	// Workers bounds the goroutines used for no-grad passes. 0 means GOMAXPROCS.
	Workers = Int("DIFFCAP_WORKERS", 0)
	// HeadParallel runs attention heads concurrently inside one forward pass.
	HeadParallel = Bool("DIFFCAP_HEAD_PAR")
	// Models is the directory checkpoints, summaries and the run history live in.
	Models = String("DIFFCAP_MODELS", "models")
	// Data is the directory holding captions and feature files.
	Data = String("DIFFCAP_DATA", filepath.Join(".", "flickr30k"))
)

// WorkerCount resolves Workers against the available CPUs.
func WorkerCount() int {
	if n := Workers(); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFCAP_DEBUG":    {"DIFFCAP_DEBUG", Debug(), "Show additional debug information (e.g. DIFFCAP_DEBUG=1)"},
		"DIFFCAP_WORKERS":  {"DIFFCAP_WORKERS", Workers(), "Goroutines used for validation and evaluation passes (default GOMAXPROCS)"},
		"DIFFCAP_HEAD_PAR": {"DIFFCAP_HEAD_PAR", HeadParallel(), "Compute attention heads in parallel"},
		"DIFFCAP_MODELS":   {"DIFFCAP_MODELS", Models(), "Directory for checkpoints, summaries and run history"},
		"DIFFCAP_DATA":     {"DIFFCAP_DATA", Data(), "Directory holding captions.csv and feature files"},
	}
}
