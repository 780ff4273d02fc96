// Package config provides the configuration schema, loader, and provider
// registry for the callbridge server.
package config

import (
	"time"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// LogLevel controls log verbosity for the callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Resampler names accepted by bridge.resampler.
const (
	ResamplerPairwise = "pairwise"
	ResamplerLinear   = "linear"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":10000"
	DefaultStreamPath        = "/stream"
	DefaultProvider          = "openai-realtime"
	DefaultVoice             = "alloy"
	DefaultSilenceDurationMs = 500
	MaxCommitThreshold       = 50
)

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":10000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// StreamPath is the HTTP path that accepts telephony media streams.
	StreamPath string `yaml:"stream_path"`

	// Subprotocol is the WebSocket subprotocol negotiated with the telephony
	// provider.
	Subprotocol string `yaml:"subprotocol"`

	// RequireSubprotocol rejects upgrades that do not offer Subprotocol.
	RequireSubprotocol bool `yaml:"require_subprotocol"`

	// MaxCalls limits concurrent calls. Zero means unlimited.
	MaxCalls int `yaml:"max_calls"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which remote speech provider to use.
type ProvidersConfig struct {
	S2S ProviderEntry `yaml:"s2s"`

	// Fallbacks are dialled in order when S2S cannot be reached. They must
	// accept the same audio format and sample rate.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker tunes the circuit breaker in front of every provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-provider circuit breaker. Zero values select
// the resilience package defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that open the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the configuration block for one provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("openai-realtime" or "loopback").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// BridgeConfig holds per-call behaviour shared by every bridged call.
type BridgeConfig struct {
	// Voice is the remote session's output voice.
	Voice string `yaml:"voice"`

	// Instructions is the remote session's system prompt.
	Instructions string `yaml:"instructions"`

	// Greeting is sent as the response instructions when a response is
	// requested. Empty leaves the session instructions in charge.
	Greeting string `yaml:"greeting"`

	// CommitThreshold is the number of 20 ms caller frames per commit.
	CommitThreshold int `yaml:"commit_threshold"`

	// KeepaliveInterval is the period between synthetic silence frames.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// SilenceDurationMs configures remote server-side turn detection.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// VADThreshold is the remote turn-detection sensitivity. Zero keeps the
	// provider default.
	VADThreshold float64 `yaml:"vad_threshold"`

	// ResponseTrigger selects when a response is requested.
	ResponseTrigger bridge.ResponseTrigger `yaml:"response_trigger"`

	// RemoteFormat is the audio format exchanged with the remote session.
	RemoteFormat s2s.AudioFormat `yaml:"remote_format"`

	// RemoteSampleRate is the pcm16 sample rate of the remote session.
	RemoteSampleRate int `yaml:"remote_sample_rate"`

	// Resampler selects the rate conversion algorithm.
	Resampler string `yaml:"resampler"`

	// WriteTimeout bounds every send to either leg.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// BargeIn clears caller-side playback when the caller starts speaking.
	BargeIn bool `yaml:"barge_in"`

	// Marks sends a telephony mark after every completed response.
	Marks bool `yaml:"marks"`
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.StreamPath == "" {
		s.StreamPath = DefaultStreamPath
	}
	if s.Subprotocol == "" {
		s.Subprotocol = "audio.twilio.com"
	}

	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultProvider
	}
	for i := range cfg.Providers.Fallbacks {
		fb := &cfg.Providers.Fallbacks[i]
		if fb.Name == cfg.Providers.S2S.Name && fb.APIKey == "" {
			fb.APIKey = cfg.Providers.S2S.APIKey
		}
	}

	b := &cfg.Bridge
	if b.Voice == "" {
		b.Voice = DefaultVoice
	}
	if b.CommitThreshold == 0 {
		b.CommitThreshold = bridge.DefaultCommitThreshold
	}
	if b.KeepaliveInterval == 0 {
		b.KeepaliveInterval = bridge.DefaultKeepaliveInterval
	}
	if b.SilenceDurationMs == 0 {
		b.SilenceDurationMs = DefaultSilenceDurationMs
	}
	if b.ResponseTrigger == "" {
		b.ResponseTrigger = bridge.TriggerFirstCommit
	}
	if b.RemoteFormat == "" {
		b.RemoteFormat = s2s.AudioFormatPCM16
	}
	if b.RemoteSampleRate == 0 {
		b.RemoteSampleRate = bridge.DefaultRemoteSampleRate
	}
	if b.Resampler == "" {
		b.Resampler = ResamplerPairwise
	}
	if b.WriteTimeout == 0 {
		b.WriteTimeout = bridge.DefaultWriteTimeout
	}
}

// BridgeSettings derives the immutable per-call configuration handed to
// every [bridge.Pair].
func (c *Config) BridgeSettings() bridge.Config {
	b := c.Bridge
	var rs audio.Resampler = audio.PairwiseResampler{}
	if b.Resampler == ResamplerLinear {
		rs = audio.LinearResampler{}
	}

	td := &s2s.TurnDetection{
		Type:              "server_vad",
		Threshold:         b.VADThreshold,
		SilenceDurationMs: b.SilenceDurationMs,
	}
	if b.ResponseTrigger == bridge.TriggerTurnEnd {
		// The bridge issues response.create itself on turn end.
		td.CreateResponse = new(bool)
	}

	return bridge.Config{
		Session: s2s.SessionConfig{
			Voice:         b.Voice,
			Instructions:  b.Instructions,
			InputFormat:   b.RemoteFormat,
			OutputFormat:  b.RemoteFormat,
			TurnDetection: td,
		},
		RemoteSampleRate:  b.RemoteSampleRate,
		Resampler:         rs,
		CommitThreshold:   b.CommitThreshold,
		KeepaliveInterval: b.KeepaliveInterval,
		WriteTimeout:      b.WriteTimeout,
		ResponseTrigger:   b.ResponseTrigger,
		Response:          s2s.ResponseRequest{Instructions: b.Greeting},
		BargeIn:           b.BargeIn,
		Marks:             b.Marks,
	}
}
