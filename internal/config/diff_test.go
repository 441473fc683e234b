package config_test

import (
	"testing"

	"github.com/MrWong99/micarray/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	dir := 90
	new.Pipeline.Direction = &dir
	new.KWS.AGCLevel = 20

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got changed=%v level=%q, want true, debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.DirectionChanged || d.NewDirection == nil || *d.NewDirection != 90 {
		t.Errorf("direction: got changed=%v new=%v, want true, 90", d.DirectionChanged, d.NewDirection)
	}
	if !d.AGCLevelChanged || d.NewAGCLevel != 20 {
		t.Errorf("agc level: got changed=%v level=%d, want true, 20", d.AGCLevelChanged, d.NewAGCLevel)
	}
	if d.RestartRequired {
		t.Error("expected RestartRequired=false for hot-reloadable changes")
	}
}

func TestDiff_DirectionCleared(t *testing.T) {
	t.Parallel()
	old := config.Default()
	dir := 10
	old.Pipeline.Direction = &dir
	new := config.Default()

	d := config.Diff(old, new)
	if !d.DirectionChanged || d.NewDirection != nil {
		t.Errorf("direction: got changed=%v new=%v, want true, nil", d.DirectionChanged, d.NewDirection)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Pipeline.Beams = 3

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("expected RestartRequired=true when beams change")
	}
	if d.LogLevelChanged || d.DirectionChanged || d.AGCLevelChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
}
