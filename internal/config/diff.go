package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DirectionChanged is set when pipeline.direction changed. A nil
	// NewDirection resumes tracking.
	DirectionChanged bool
	NewDirection     *int

	AGCLevelChanged bool
	NewAGCLevel     int

	// RestartRequired reports changes that only take effect after the
	// pipeline is rebuilt.
	RestartRequired bool
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DirectionChanged || d.AGCLevelChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !equalDirection(old.Pipeline.Direction, new.Pipeline.Direction) {
		d.DirectionChanged = true
		d.NewDirection = new.Pipeline.Direction
	}

	if old.KWS.AGCLevel != new.KWS.AGCLevel {
		d.AGCLevelChanged = true
		d.NewAGCLevel = new.KWS.AGCLevel
	}

	// Compare the remainder with the hot-reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Pipeline.Direction, n.Pipeline.Direction = nil, nil
	o.KWS.AGCLevel, n.KWS.AGCLevel = 0, 0
	d.RestartRequired = !reflect.DeepEqual(o, n)

	return d
}

func equalDirection(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
