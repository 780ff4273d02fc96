package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  log_format: json
  stream_path: /media
  require_subprotocol: true
  max_calls: 20

providers:
  s2s:
    name: openai-realtime
    api_key: sk-test
    model: gpt-realtime

bridge:
  voice: verse
  instructions: You are a friendly receptionist.
  greeting: Greet the caller and ask how you can help.
  commit_threshold: 5
  keepalive_interval: 100ms
  silence_duration_ms: 700
  vad_threshold: 0.6
  response_trigger: ready
  remote_format: pcm16
  remote_sample_rate: 24000
  resampler: linear
  write_timeout: 1s
  barge_in: true
  marks: true
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:         ":8080",
			LogLevel:           config.LogDebug,
			LogFormat:          config.LogFormatJSON,
			StreamPath:         "/media",
			Subprotocol:        "audio.twilio.com",
			RequireSubprotocol: true,
			MaxCalls:           20,
		},
		Providers: config.ProvidersConfig{
			S2S: config.ProviderEntry{Name: "openai-realtime", APIKey: "sk-test", Model: "gpt-realtime"},
		},
		Bridge: config.BridgeConfig{
			Voice:             "verse",
			Instructions:      "You are a friendly receptionist.",
			Greeting:          "Greet the caller and ask how you can help.",
			CommitThreshold:   5,
			KeepaliveInterval: 100 * time.Millisecond,
			SilenceDurationMs: 700,
			VADThreshold:      0.6,
			ResponseTrigger:   bridge.TriggerReady,
			RemoteFormat:      s2s.AudioFormatPCM16,
			RemoteSampleRate:  24000,
			Resampler:         config.ResamplerLinear,
			WriteTimeout:      time.Second,
			BargeIn:           true,
			Marks:             true,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  s2s:\n    name: loopback\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":10000" {
		t.Errorf("listen_addr = %q, want :10000", cfg.Server.ListenAddr)
	}
	if cfg.Server.StreamPath != "/stream" {
		t.Errorf("stream_path = %q, want /stream", cfg.Server.StreamPath)
	}
	if cfg.Server.Subprotocol != "audio.twilio.com" {
		t.Errorf("subprotocol = %q", cfg.Server.Subprotocol)
	}
	b := cfg.Bridge
	if b.CommitThreshold != 10 || b.KeepaliveInterval != 250*time.Millisecond || b.SilenceDurationMs != 500 {
		t.Errorf("bridge defaults = %+v", b)
	}
	if b.ResponseTrigger != bridge.TriggerFirstCommit || b.RemoteFormat != s2s.AudioFormatPCM16 || b.RemoteSampleRate != 24000 {
		t.Errorf("bridge defaults = %+v", b)
	}
}

func TestLoadFromReader_EmptyNeedsAPIKey(t *testing.T) {
	t.Parallel()
	// The default provider is openai-realtime, which needs a credential.
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("err = %v, want api_key error", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("bridge:\n  commit_treshold: 5\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"log format", "server:\n  log_format: xml\n", "log_format"},
		{"stream path", "server:\n  stream_path: stream\n", "stream_path"},
		{"negative max calls", "server:\n  max_calls: -1\n", "max_calls"},
		{"tls without key", "server:\n  tls:\n    cert_file: c.pem\n", "tls"},
		{"commit threshold too high", "bridge:\n  commit_threshold: 51\n", "commit_threshold"},
		{"commit threshold negative", "bridge:\n  commit_threshold: -3\n", "commit_threshold"},
		{"vad threshold", "bridge:\n  vad_threshold: 1.5\n", "vad_threshold"},
		{"trigger", "bridge:\n  response_trigger: always\n", "response_trigger"},
		{"remote format", "bridge:\n  remote_format: opus\n", "remote_format"},
		{"sample rate", "bridge:\n  remote_sample_rate: 4000\n", "remote_sample_rate"},
		{"resampler", "bridge:\n  resampler: sinc\n", "resampler"},
		{"keepalive", "bridge:\n  keepalive_interval: -1s\n", "keepalive_interval"},
		{"unnamed fallback", "  fallbacks:\n    - model: x\n", "fallbacks[0].name"},
		{"negative breaker", "  breaker:\n    max_failures: -1\n", "providers.breaker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			yaml := "providers:\n  s2s:\n    name: loopback\n" + tt.yaml
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %s, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
bridge:
  commit_threshold: 99
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "commit_threshold", "api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

// ── Bridge settings ──────────────────────────────────────────────────────────

func TestBridgeSettings(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	got := cfg.BridgeSettings()
	want := bridge.Config{
		Session: s2s.SessionConfig{
			Voice:        "verse",
			Instructions: "You are a friendly receptionist.",
			InputFormat:  s2s.AudioFormatPCM16,
			OutputFormat: s2s.AudioFormatPCM16,
			TurnDetection: &s2s.TurnDetection{
				Type:              "server_vad",
				Threshold:         0.6,
				SilenceDurationMs: 700,
			},
		},
		RemoteSampleRate:  24000,
		Resampler:         audio.LinearResampler{},
		CommitThreshold:   5,
		KeepaliveInterval: 100 * time.Millisecond,
		WriteTimeout:      time.Second,
		ResponseTrigger:   bridge.TriggerReady,
		Response:          s2s.ResponseRequest{Instructions: "Greet the caller and ask how you can help."},
		BargeIn:           true,
		Marks:             true,
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("bridge settings mismatch (-want +got):\n%s", diff)
	}
	if err := got.WithDefaults().Validate(); err != nil {
		t.Errorf("derived settings do not validate: %v", err)
	}
}

func TestBridgeSettings_TurnEndDisablesServerResponses(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  s2s:
    name: loopback
bridge:
  response_trigger: turn_end
`))
	if err != nil {
		t.Fatal(err)
	}
	td := cfg.BridgeSettings().Session.TurnDetection
	if td == nil || td.CreateResponse == nil || *td.CreateResponse {
		t.Errorf("turn detection = %+v, want create_response disabled", td)
	}
}

func TestBridgeSettings_DefaultProviderRunsAt24kHz(t *testing.T) {
	t.Parallel()
	var cfg config.Config
	config.ApplyDefaults(&cfg)

	if cfg.Providers.S2S.Name != config.DefaultProvider {
		t.Fatalf("provider = %q, want %q", cfg.Providers.S2S.Name, config.DefaultProvider)
	}
	got := cfg.BridgeSettings()
	if got.Session.InputFormat != s2s.AudioFormatPCM16 || got.Session.OutputFormat != s2s.AudioFormatPCM16 {
		t.Errorf("formats = %q/%q, want pcm16", got.Session.InputFormat, got.Session.OutputFormat)
	}
	if got.RemoteSampleRate != 24000 {
		t.Errorf("remote sample rate = %d, want 24000", got.RemoteSampleRate)
	}
	if err := got.WithDefaults().Validate(); err != nil {
		t.Errorf("default settings do not validate: %v", err)
	}
}

func TestBridgeSettings_ExplicitSampleRateOverride(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  s2s:
    name: loopback
bridge:
  remote_sample_rate: 16000
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.BridgeSettings().RemoteSampleRate; got != 16000 {
		t.Errorf("remote sample rate = %d, want 16000", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubS2S{}
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("stub", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return want, nil
	})
	reg.RegisterS2S("another", func(config.ProviderEntry) (s2s.Provider, error) { return nil, nil })

	got, err := reg.CreateS2S(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if diff := cmp.Diff([]string{"another", "stub"}, reg.S2SNames()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestFallbacksInheritAPIKey(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  s2s:
    name: openai-realtime
    api_key: sk-primary
  fallbacks:
    - name: openai-realtime
      model: gpt-realtime-mini
    - name: loopback
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fbs := cfg.Providers.Fallbacks
	if fbs[0].APIKey != "sk-primary" {
		t.Errorf("fallback api_key = %q, want inherited sk-primary", fbs[0].APIKey)
	}
	if fbs[1].APIKey != "" {
		t.Errorf("loopback fallback api_key = %q, want empty", fbs[1].APIKey)
	}
}

func TestRegistry_BuildS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterS2S("stub", func(config.ProviderEntry) (s2s.Provider, error) { return &stubS2S{}, nil })

	chain, err := reg.BuildS2S(config.ProvidersConfig{
		S2S:       config.ProviderEntry{Name: "stub"},
		Fallbacks: []config.ProviderEntry{{Name: "stub"}},
		Breaker:   config.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute},
	})
	if err != nil {
		t.Fatalf("BuildS2S: %v", err)
	}
	if diff := cmp.Diff([]string{"stub", "stub#1"}, chain.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	_, err = reg.BuildS2S(config.ProvidersConfig{
		S2S:       config.ProviderEntry{Name: "stub"},
		Fallbacks: []config.ProviderEntry{{Name: "missing"}},
	})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

// stubS2S implements s2s.Provider.
type stubS2S struct{}

func (s *stubS2S) Connect(context.Context, s2s.SessionConfig) (s2s.SessionHandle, error) {
	return nil, nil
}
func (s *stubS2S) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }
