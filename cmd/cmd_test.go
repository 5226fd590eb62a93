package cmd

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/insajin/taskwatch/internal/config"
	"github.com/insajin/taskwatch/internal/task"
)

func TestUniqueIDs(t *testing.T) {
	got := uniqueIDs([]string{" T1", "T2", "", "T1", "T3 ", "  "})
	want := []string{"T1", "T2", "T3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("uniqueIDs() = %v, want %v", got, want)
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"true", true},
		{"false", false},
		{"8", 8},
		{"1.5", 1.5},
		{"api.example.com", "api.example.com"},
		{"1", 1},
		{"T", "T"},
	}
	for _, tt := range tests {
		if got := parseConfigValue(tt.in); got != tt.want {
			t.Errorf("parseConfigValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestConfigKeysAreKnownDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	for _, key := range configKeys() {
		if !v.IsSet(key) {
			t.Errorf("config key %q has no default", key)
		}
	}
}

// TestDefaultConfigYAML는 config init 결과를 다시 읽으면 기본값과 같은지 확인합니다.
func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML() error = %v", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	def := config.Default()
	if cfg.Server != def.Server || cfg.Reconnection != def.Reconnection || cfg.Heartbeat != def.Heartbeat {
		t.Errorf("round trip mismatch: got %+v, want %+v", cfg, def)
	}
}

func TestReadToken(t *testing.T) {
	got, err := readToken(strings.NewReader("  abc.def  \nignored\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc.def" {
		t.Errorf("readToken() = %q", got)
	}

	got, err = readToken(strings.NewReader(""))
	if err != nil || got != "" {
		t.Errorf("readToken(empty) = %q, %v", got, err)
	}
}

func TestTokenProviderPriority(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.CredentialsFile = filepath.Join(t.TempDir(), "credentials.json")

	t.Setenv(tokenEnv, "env-token")

	tok, err := tokenProvider(&cfg, "flag-token").Token()
	if err != nil || tok != "flag-token" {
		t.Errorf("flag 우선: got %q, %v", tok, err)
	}

	tok, err = tokenProvider(&cfg, "").Token()
	if err != nil || tok != "env-token" {
		t.Errorf("환경변수 사용: got %q, %v", tok, err)
	}

	t.Setenv(tokenEnv, "")
	if _, err := tokenProvider(&cfg, "").Token(); err == nil {
		t.Error("자격 증명이 없으면 오류가 나야 합니다")
	}
}

func TestRenderProgressClamps(t *testing.T) {
	if got := renderProgress(150, task.StatusCompleted); !strings.HasSuffix(got, "100%") {
		t.Errorf("renderProgress(150) = %q", got)
	}
	if got := renderProgress(-5, task.StatusFailed); !strings.HasSuffix(got, "  0%") {
		t.Errorf("renderProgress(-5) = %q", got)
	}
}

func TestTimelineGlyphs(t *testing.T) {
	tests := []struct {
		status task.Status
		want   string
	}{
		{task.StatusPending, "◉○○○○○"},
		{task.StatusTracking, "●●◉○○○"},
		{task.StatusReturned, "●●●◉○○"},
		{task.StatusCompleted, "●●●●●◉"},
		{task.StatusFailed, "✕○○○○○"},
	}
	for _, tt := range tests {
		if got := timelineGlyphs(tt.status); got != tt.want {
			t.Errorf("timelineGlyphs(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
