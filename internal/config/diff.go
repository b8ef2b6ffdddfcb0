package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged     bool
	NewLogLevel         LogLevel
	PersonaChanged      bool
	NewPersona          string
	DuckingLevelChanged bool
	NewDuckingLevel     float64
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.DuckingLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.DJ.Persona != new.DJ.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.DJ.Persona
	}
	if old.Audio.DuckingLevel != new.Audio.DuckingLevel {
		d.DuckingLevelChanged = true
		d.NewDuckingLevel = new.Audio.DuckingLevel
	}
	return d
}
