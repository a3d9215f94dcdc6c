package config_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"

	"github.com/MrWong99/mesmer/internal/config"
	"github.com/MrWong99/mesmer/internal/engine"
	enginemock "github.com/MrWong99/mesmer/internal/engine/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEngineConfig_Options(t *testing.T) {
	t.Parallel()
	e := config.EngineConfig{Options: map[string]any{
		"voice":      "alloy",
		"mark_every": 5,
		"ratio":      2.5,
		"whole":      float64(8),
		"flag":       true,
	}}

	if got := e.OptionString("voice", "x"); got != "alloy" {
		t.Errorf("OptionString(voice) = %q", got)
	}
	if got := e.OptionString("missing", "x"); got != "x" {
		t.Errorf("OptionString(missing) = %q, want default", got)
	}
	if got := e.OptionString("flag", ""); got != "true" {
		t.Errorf("OptionString(flag) = %q, want true", got)
	}
	if got := e.OptionInt("mark_every", 0); got != 5 {
		t.Errorf("OptionInt(mark_every) = %d, want 5", got)
	}
	if got := e.OptionInt("whole", 0); got != 8 {
		t.Errorf("OptionInt(whole) = %d, want 8", got)
	}
	if got := e.OptionInt("ratio", 1); got != 1 {
		t.Errorf("OptionInt(ratio) = %d, want default for fractional", got)
	}
	if got := e.OptionInt("voice", 3); got != 3 {
		t.Errorf("OptionInt(voice) = %d, want default for string", got)
	}
}

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.EngineConfig
	mf := &enginemock.Factory{}
	reg.Register("mock", func(entry config.EngineConfig) (engine.Factory, error) {
		gotEntry = entry
		return mf, nil
	})

	f, err := reg.Create(config.EngineConfig{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f != mf {
		t.Error("Create returned a different factory")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("constructor got entry %+v", gotEntry)
	}

	if _, err := f.Create(context.Background(), "call", engine.Callbacks{}); err != nil {
		t.Errorf("factory Create: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.Create(config.EngineConfig{Name: "nope"})
	if !errors.Is(err, config.ErrEngineNotRegistered) {
		t.Errorf("err = %v, want ErrEngineNotRegistered", err)
	}
}

func TestRegistry_ConstructorError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad options")
	reg.Register("broken", func(config.EngineConfig) (engine.Factory, error) { return nil, boom })

	_, err := reg.Create(config.EngineConfig{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	ctor := func(config.EngineConfig) (engine.Factory, error) { return &enginemock.Factory{}, nil }
	reg.Register("zeta", ctor)
	reg.Register("alpha", ctor)
	reg.Register("alpha", ctor)

	if got := reg.Names(); !slices.Equal(got, []string{"alpha", "zeta"}) {
		t.Errorf("Names = %v, want [alpha zeta]", got)
	}
}
