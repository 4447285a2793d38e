package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// instrumentationScope names the OTEL logger the bridge emits through.
const instrumentationScope = "github.com/fyrsmithlabs/goatfield"

// newCore builds the output cores, redacts each of them, tees them and
// applies sampling on top.
func newCore(cfg *Config, level zapcore.Level, out zapcore.WriteSyncer, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	r, err := newRedactor(cfg.Redaction)
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if cfg.Output.Stdout {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), out, level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		otelCore := otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, &levelGate{Core: otelCore, min: level})
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log output available: stdout disabled and no OTEL provider")
	}

	for i, c := range cores {
		cores[i] = r.wrap(c)
	}
	core := zapcore.NewTee(cores...)
	return newSampledCore(core, cfg.Sampling), nil
}

// levelGate applies the configured minimum level to a core that has no
// level of its own.
type levelGate struct {
	zapcore.Core
	min zapcore.Level
}

func (g *levelGate) Enabled(l zapcore.Level) bool {
	return l >= g.min && g.Core.Enabled(l)
}

func (g *levelGate) With(fields []zapcore.Field) zapcore.Core {
	return &levelGate{Core: g.Core.With(fields), min: g.min}
}

func (g *levelGate) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if g.Enabled(ent.Level) {
		return ce.AddCore(ent, g)
	}
	return ce
}

// newSampledCore samples entries below warn level. Warnings and errors
// always pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	sampled := zapcore.NewSamplerWithOptions(core, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return &splitCore{low: sampled, high: core}
}

// splitCore routes entries below warn to low and the rest to high. Both
// share the same underlying outputs.
type splitCore struct {
	low  zapcore.Core
	high zapcore.Core
}

func (s *splitCore) Enabled(l zapcore.Level) bool {
	return s.high.Enabled(l)
}

func (s *splitCore) With(fields []zapcore.Field) zapcore.Core {
	return &splitCore{low: s.low.With(fields), high: s.high.With(fields)}
}

func (s *splitCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level >= zapcore.WarnLevel {
		return s.high.Check(ent, ce)
	}
	return s.low.Check(ent, ce)
}

func (s *splitCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if ent.Level >= zapcore.WarnLevel {
		return s.high.Write(ent, fields)
	}
	return s.low.Write(ent, fields)
}

func (s *splitCore) Sync() error {
	return s.high.Sync()
}
