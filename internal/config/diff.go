package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; RestartRequired
// flags edits that take effect on the next start only.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is true if any persona field changed. New chat and
	// voice sessions pick up the new values; open sessions keep theirs.
	AssistantChanged bool

	// RestartRequired lists the top-level sections whose changes are
	// ignored until restart.
	RestartRequired []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AssistantChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Assistant != new.Assistant {
		d.AssistantChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
