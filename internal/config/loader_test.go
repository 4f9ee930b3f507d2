package config_test

import (
	"strings"
	"testing"

	"github.com/parleyvoice/parley/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_SpeechURLScheme(t *testing.T) {
	t.Parallel()
	yaml := `
speech:
  url: https://speech.example.com/v1/live
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-websocket speech URL, got nil")
	}
	if !strings.Contains(err.Error(), "ws or wss") {
		t.Errorf("error should mention the ws/wss scheme, got: %v", err)
	}
}

func TestValidate_DeepgramRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
recognition:
  local:
    name: deepgram
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for deepgram without api_key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_NegativeDurations(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  look_ahead: -200ms
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative duration, got nil")
	}
	if !strings.Contains(err.Error(), "look_ahead") {
		t.Errorf("error should mention look_ahead, got: %v", err)
	}
}

func TestValidate_DuplicateVocabulary(t *testing.T) {
	t.Parallel()
	yaml := `
transcript:
  vocabulary:
    - Parley
    - Parley
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate vocabulary terms, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_EmptyVocabularyTerm(t *testing.T) {
	t.Parallel()
	yaml := `
transcript:
  vocabulary:
    - Parley
    - ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty vocabulary term, got nil")
	}
}

func TestValidate_ThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := `
transcript:
  phonetic_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "phonetic_threshold") {
		t.Errorf("error should mention phonetic_threshold, got: %v", err)
	}
}

func TestValidate_RelayRemoteURL(t *testing.T) {
	t.Parallel()
	yaml := `
relay:
  remote_url: "not a url at all ://"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for malformed relay URL, got nil")
	}
}

func TestValidate_RelayTLSNeedsBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
relay:
  listen_addr: ":8443"
  remote_url: wss://speech.example.com
  tls:
    cert_file: /etc/parley/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS with missing key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
speech:
  url: ftp://speech.example.com
  max_retries: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "speech.url", "max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/parley.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(&config.Config{}); err != nil {
		t.Errorf("empty config should validate, got: %v", err)
	}
}
