package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes carry their new value; everything else is flagged so the caller
// can warn that a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxSessionsChanged bool
	NewMaxSessions     int

	// RestartRequired lists the top-level settings that changed but only take
	// effect after a restart (e.g., "server.listen_addr", "engine").
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MaxSessionsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.MaxSessions != new.Session.MaxSessions {
		d.MaxSessionsChanged = true
		d.NewMaxSessions = new.Session.MaxSessions
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.route_prefix", old.Server.RoutePrefix != new.Server.RoutePrefix)
	restart("server.origin_patterns", !reflect.DeepEqual(old.Server.OriginPatterns, new.Server.OriginPatterns))
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("session.outbound_buffer", old.Session.OutboundBuffer != new.Session.OutboundBuffer)
	restart("session.enqueue_timeout", old.Session.EnqueueTimeout != new.Session.EnqueueTimeout)
	restart("session.write_timeout", old.Session.WriteTimeout != new.Session.WriteTimeout)
	restart("session.read_limit", old.Session.ReadLimit != new.Session.ReadLimit)
	restart("engine", !reflect.DeepEqual(old.Engine, new.Engine))
	restart("store", old.Store != new.Store)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}
