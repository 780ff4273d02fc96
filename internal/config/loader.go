package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai-realtime", "loopback"},
}

// Load reads the YAML configuration file at path, overlays environment
// variables from env, applies defaults, and validates the result. An empty
// path skips the file so the server can run from the environment alone. A nil
// env skips the overlay.
func Load(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if env != nil {
		if err := ApplyEnv(ctx, cfg, env); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// envOverlay lists the environment variables that override file settings.
type envOverlay struct {
	APIKey   string `env:"OPENAI_API_KEY"`
	Model    string `env:"OPENAI_REALTIME_MODEL"`
	BaseURL  string `env:"OPENAI_REALTIME_URL"`
	Voice    string `env:"VOICE"`
	Port     string `env:"PORT"`
	LogLevel string `env:"LOG_LEVEL"`
}

// ApplyEnv overlays the set environment variables from env onto cfg.
// Unset variables leave the file values alone.
func ApplyEnv(ctx context.Context, cfg *Config, env envconfig.Lookuper) error {
	var ov envOverlay
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &ov,
		Lookuper: env,
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	s2sEntry := &cfg.Providers.S2S
	setIf(&s2sEntry.APIKey, ov.APIKey)
	setIf(&s2sEntry.Model, ov.Model)
	setIf(&s2sEntry.BaseURL, ov.BaseURL)
	setIf(&cfg.Bridge.Voice, ov.Voice)
	if ov.Port != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(ov.Port, ":")
	}
	if ov.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(ov.LogLevel))
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	srv := cfg.Server
	if srv.LogLevel != "" && !srv.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", srv.LogLevel))
	}
	if srv.LogFormat != "" && !srv.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", srv.LogFormat))
	}
	if srv.StreamPath != "" && !strings.HasPrefix(srv.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", srv.StreamPath))
	}
	if srv.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", srv.MaxCalls))
	}
	if srv.RequireSubprotocol && srv.Subprotocol == "" {
		errs = append(errs, errors.New("server.require_subprotocol is set but server.subprotocol is empty"))
	}
	if tls := srv.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	entry := cfg.Providers.S2S
	validateProviderName("s2s", entry.Name)
	if entry.Name == "openai-realtime" && entry.APIKey == "" {
		errs = append(errs, errors.New("providers.s2s.api_key is required for openai-realtime (or set OPENAI_API_KEY)"))
	}
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
		if fb.Name == "openai-realtime" && fb.APIKey == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].api_key is required for openai-realtime", i))
		}
	}
	if br := cfg.Providers.Breaker; br.MaxFailures < 0 || br.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	// Bridge
	b := cfg.Bridge
	if b.CommitThreshold < 1 || b.CommitThreshold > MaxCommitThreshold {
		errs = append(errs, fmt.Errorf("bridge.commit_threshold %d is out of range [1, %d]", b.CommitThreshold, MaxCommitThreshold))
	}
	if b.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("bridge.keepalive_interval %s must be positive", b.KeepaliveInterval))
	}
	if b.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.write_timeout %s must be positive", b.WriteTimeout))
	}
	if b.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("bridge.silence_duration_ms %d must not be negative", b.SilenceDurationMs))
	}
	if b.VADThreshold < 0 || b.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("bridge.vad_threshold %.2f is out of range [0, 1]", b.VADThreshold))
	}
	if b.ResponseTrigger != "" && !b.ResponseTrigger.IsValid() {
		errs = append(errs, fmt.Errorf("bridge.response_trigger %q is invalid; valid values: first_commit, ready, turn_end", b.ResponseTrigger))
	}
	switch b.RemoteFormat {
	case "", s2s.AudioFormatPCM16, s2s.AudioFormatG711ULaw:
	default:
		errs = append(errs, fmt.Errorf("bridge.remote_format %q is invalid; valid values: pcm16, g711_ulaw", b.RemoteFormat))
	}
	if b.RemoteSampleRate < 0 || (b.RemoteSampleRate > 0 && (b.RemoteSampleRate < 8000 || b.RemoteSampleRate > 48000)) {
		errs = append(errs, fmt.Errorf("bridge.remote_sample_rate %d is out of range [8000, 48000]", b.RemoteSampleRate))
	}
	switch b.Resampler {
	case "", ResamplerPairwise, ResamplerLinear:
	default:
		errs = append(errs, fmt.Errorf("bridge.resampler %q is invalid; valid values: pairwise, linear", b.Resampler))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
