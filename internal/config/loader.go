package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownEngines lists the engine names registered by the mesmer binary.
// Used by [Validate] to warn about unrecognised engine names.
var KnownEngines = []string{"echo", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value and
// normalises the route prefix.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RoutePrefix == "" {
		cfg.Server.RoutePrefix = DefaultRoutePrefix
	}
	cfg.Server.RoutePrefix = strings.TrimRight(cfg.Server.RoutePrefix, "/")
	if cfg.Server.RoutePrefix != "" && !strings.HasPrefix(cfg.Server.RoutePrefix, "/") {
		cfg.Server.RoutePrefix = "/" + cfg.Server.RoutePrefix
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Session.OutboundBuffer == 0 {
		cfg.Session.OutboundBuffer = DefaultOutboundBuffer
	}
	if cfg.Session.EnqueueTimeout == 0 {
		cfg.Session.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Session.ReadLimit == 0 {
		cfg.Session.ReadLimit = DefaultReadLimit
	}

	if cfg.Engine.Name == "" {
		cfg.Engine.Name = DefaultEngine
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if strings.ContainsAny(cfg.Server.RoutePrefix, "{} ") {
		errs = append(errs, fmt.Errorf("server.route_prefix %q must be a plain path", cfg.Server.RoutePrefix))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Session
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions %d must not be negative", cfg.Session.MaxSessions))
	}
	if cfg.Session.OutboundBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.outbound_buffer %d must not be negative", cfg.Session.OutboundBuffer))
	}
	if cfg.Session.EnqueueTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.enqueue_timeout %s must not be negative", cfg.Session.EnqueueTimeout))
	}
	if cfg.Session.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.write_timeout %s must not be negative", cfg.Session.WriteTimeout))
	}
	if cfg.Session.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("session.read_limit %d must not be negative", cfg.Session.ReadLimit))
	}

	// Engine
	if cfg.Engine.Name == "openai-realtime" && cfg.Engine.APIKey == "" && cfg.Engine.BaseURL == "" {
		errs = append(errs, errors.New("engine: openai-realtime requires api_key (or base_url for a keyless endpoint)"))
	}
	if cfg.Engine.Name != "" && !slices.Contains(KnownEngines, cfg.Engine.Name) {
		slog.Warn("unknown engine name, may be a typo or third-party engine",
			"name", cfg.Engine.Name,
			"known", KnownEngines,
		)
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; call records are kept in memory")
	}

	return errors.Join(errs...)
}
