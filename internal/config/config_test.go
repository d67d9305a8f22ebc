package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  map[string]string{},
		},
		{
			name:  "single option",
			input: "history=10",
			want:  map[string]string{"history": "10"},
		},
		{
			name:  "multiple options",
			input: "history=10,region=eu,tier=gold",
			want:  map[string]string{"history": "10", "region": "eu", "tier": "gold"},
		},
		{
			name:  "with spaces",
			input: "history = 10 , region = eu",
			want:  map[string]string{"history": "10", "region": "eu"},
		},
		{
			name:  "empty value",
			input: "flag=",
			want:  map[string]string{"flag": ""},
		},
		{
			name:  "value containing equals",
			input: "filter=a=b",
			want:  map[string]string{"filter": "a=b"},
		},
		{
			name:    "invalid format - no equals",
			input:   "history:10",
			wantErr: true,
		},
		{
			name:    "invalid format - empty key",
			input:   "=10",
			wantErr: true,
		},
		{
			name:    "duplicate key",
			input:   "a=1,a=2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOptions(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseOptions() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Errorf("ParseOptions() length = %d, want %d", len(got), len(tt.want))
				return
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("ParseOptions()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.yaml")
	data := `
store:
  name: players
  options:
    history: "5"
retry:
  delay: 250ms
rate_limit:
  per_second: 50
  burst: 10
server:
  backend: nats
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.Delay != 250*time.Millisecond {
		t.Errorf("Retry.Delay = %v, want 250ms", cfg.Retry.Delay)
	}
	if cfg.Server.Backend != BackendNATS {
		t.Errorf("Server.Backend = %q, want %q", cfg.Server.Backend, BackendNATS)
	}
	// Untouched fields keep defaults.
	if cfg.Server.ListenAddr != ":50051" {
		t.Errorf("Server.ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}

	h, err := cfg.Handle()
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.String() != "global/players" {
		t.Errorf("Handle() = %s, want global/players", h)
	}
	if v, _ := h.Option("history"); v != "5" {
		t.Errorf("Handle() option history = %q, want 5", v)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "store: [",
		"bad backend":   "server:\n  backend: redis\n",
		"bad level":     "log:\n  level: loud\n",
		"neg delay":     "retry:\n  delay: -1s\n",
		"rate no burst": "rate_limit:\n  per_second: 5\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "kv.yaml")
			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load() of missing file succeeded")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
