package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only a few settings can be applied without a restart: the log level and the
// per-breaker disabled toggles. Everything else is reported so the operator
// knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BreakerToggles lists breakers whose disabled flag flipped.
	BreakerToggles []BreakerToggle

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// BreakerToggle records a runtime enable/disable for one breaker.
type BreakerToggle struct {
	// Name is "main" or "health".
	Name string

	// Disabled is the new state.
	Disabled bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.BreakerToggles) > 0 || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Breakers.Main.Disabled != new.Breakers.Main.Disabled {
		d.BreakerToggles = append(d.BreakerToggles, BreakerToggle{Name: "main", Disabled: new.Breakers.Main.Disabled})
	}
	if old.Breakers.Health.Disabled != new.Breakers.Health.Disabled {
		d.BreakerToggles = append(d.BreakerToggles, BreakerToggle{Name: "health", Disabled: new.Breakers.Health.Disabled})
	}

	// Everything below needs a restart to take effect.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Upstream != new.Upstream {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	oldBreakers, newBreakers := old.Breakers, new.Breakers
	oldBreakers.Main.Disabled, newBreakers.Main.Disabled = false, false
	oldBreakers.Health.Disabled, newBreakers.Health.Disabled = false, false
	if oldBreakers != newBreakers {
		d.RestartRequired = append(d.RestartRequired, "breakers")
	}
	if old.Flow != new.Flow {
		d.RestartRequired = append(d.RestartRequired, "flow")
	}
	if old.Aggregator != new.Aggregator {
		d.RestartRequired = append(d.RestartRequired, "aggregator")
	}

	return d
}
