package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists known recognition engine names.
// Used by [Validate] to warn about unrecognised names.
var ValidEngineNames = []string{"deepgram", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Speech socket
	if cfg.Speech.URL != "" {
		if err := validateSocketURL(cfg.Speech.URL); err != nil {
			errs = append(errs, fmt.Errorf("speech.url: %w", err))
		}
	}
	if cfg.Speech.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("speech.max_retries %d must not be negative", cfg.Speech.MaxRetries))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"audio.look_ahead", cfg.Audio.LookAhead},
		{"audio.warmup_delay", cfg.Audio.WarmupDelay},
		{"audio.fade_ramp", cfg.Audio.FadeRamp},
		{"recognition.restart_delay", cfg.Recognition.RestartDelay},
		{"relay.dial_timeout", cfg.Relay.DialTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.value.Std()))
		}
	}

	// Recognition engines — warn for unknown names, fail on missing keys.
	validateEngine("recognition.local", cfg.Recognition.Local, &errs)
	validateEngine("recognition.remote", cfg.Recognition.Remote, &errs)
	if cfg.Recognition.Local.Name == "" && cfg.Recognition.Remote.Name == "" {
		slog.Warn("no recognition engine configured; the session will play audio but log no transcripts")
	}

	// Transcript
	if cfg.Transcript.PostgresDSN == "" && (cfg.Recognition.Local.Name != "" || cfg.Recognition.Remote.Name != "") {
		slog.Warn("transcript.postgres_dsn is empty; transcripts will only be written to the log")
	}
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"transcript.phonetic_threshold", cfg.Transcript.PhoneticThreshold},
		{"transcript.fuzzy_threshold", cfg.Transcript.FuzzyThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", th.name, th.value))
		}
	}
	vocabSeen := make(map[string]int, len(cfg.Transcript.Vocabulary))
	for i, term := range cfg.Transcript.Vocabulary {
		if term == "" {
			errs = append(errs, fmt.Errorf("transcript.vocabulary[%d] is empty", i))
			continue
		}
		if prev, ok := vocabSeen[term]; ok {
			errs = append(errs, fmt.Errorf("transcript.vocabulary[%d] %q is a duplicate of transcript.vocabulary[%d]", i, term, prev))
		}
		vocabSeen[term] = i
	}

	// Relay
	if cfg.Relay.RemoteURL != "" {
		if err := validateSocketURL(cfg.Relay.RemoteURL); err != nil {
			errs = append(errs, fmt.Errorf("relay.remote_url: %w", err))
		}
	}
	if cfg.Relay.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("relay.queue_size %d must not be negative", cfg.Relay.QueueSize))
	}
	if cfg.Relay.TLS != nil {
		if cfg.Relay.TLS.CertFile == "" || cfg.Relay.TLS.KeyFile == "" {
			errs = append(errs, errors.New("relay.tls requires both cert_file and key_file"))
		}
	}

	return errors.Join(errs...)
}

// validateEngine checks one engine entry: unknown names get a warning (they
// may be registered by the embedding application), missing API keys for
// engines that need one are errors.
func validateEngine(prefix string, e EngineEntry, errs *[]error) {
	if e.Name == "" {
		return
	}
	if !slices.Contains(ValidEngineNames, e.Name) {
		slog.Warn("unknown engine name — may be a typo or third-party engine",
			"entry", prefix,
			"name", e.Name,
			"known", ValidEngineNames,
		)
	}
	if e.Name == "deepgram" && e.APIKey == "" {
		*errs = append(*errs, fmt.Errorf("%s.api_key is required for the deepgram engine", prefix))
	}
	if e.SampleRate < 0 {
		*errs = append(*errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, e.SampleRate))
	}
}

// validateSocketURL requires a parseable ws:// or wss:// URL with a host.
func validateSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("URL %q must use the ws or wss scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}
