package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is true when the corrector vocabulary or its
	// matching thresholds differ. The corrector can be swapped live.
	VocabularyChanged bool

	// RestartDelayChanged is true when the recognition restart delay differs.
	RestartDelayChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VocabularyChanged || d.RestartDelayChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: socket,
// audio device, and engine changes all require a fresh session.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) ||
		old.Transcript.PhoneticThreshold != new.Transcript.PhoneticThreshold ||
		old.Transcript.FuzzyThreshold != new.Transcript.FuzzyThreshold {
		d.VocabularyChanged = true
	}

	if old.Recognition.RestartDelay != new.Recognition.RestartDelay {
		d.RestartDelayChanged = true
	}

	return d
}
