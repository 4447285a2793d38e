package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/goatfield/internal/config"
)

// Redacted replaces any value that must not be logged.
const Redacted = "[REDACTED]"

// Secret logs a config secret as a redacted placeholder.
func Secret(key string, value config.Secret) zap.Field {
	return zap.Stringer(key, value)
}

type redactor struct {
	enabled  bool
	fields   map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{enabled: cfg.Enabled, fields: make(map[string]struct{}, len(cfg.Fields))}
	for _, f := range cfg.Fields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) wrap(core zapcore.Core) zapcore.Core {
	if !r.enabled {
		return core
	}
	return &redactingCore{Core: core, r: r}
}

func (r *redactor) text(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}

// apply returns fields with sensitive keys and matching string values
// replaced. The input slice is not modified.
func (r *redactor) apply(fields []zapcore.Field) []zapcore.Field {
	out := fields
	copied := false
	for i, f := range fields {
		var replacement zapcore.Field
		switch {
		case r.sensitiveKey(f.Key):
			replacement = zap.String(f.Key, Redacted)
		case f.Type == zapcore.StringType:
			s := r.text(f.String)
			if s == f.String {
				continue
			}
			replacement = zap.String(f.Key, s)
		case f.Type == zapcore.ByteStringType:
			b, _ := f.Interface.([]byte)
			s := r.text(string(b))
			if s == string(b) {
				continue
			}
			replacement = zap.String(f.Key, s)
		default:
			continue
		}
		if !copied {
			out = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		out[i] = replacement
	}
	return out
}

func (r *redactor) sensitiveKey(key string) bool {
	_, ok := r.fields[strings.ToLower(key)]
	return ok
}

// redactingCore rewrites fields and messages before they reach the wrapped
// core, for both With fields and per-entry fields.
type redactingCore struct {
	zapcore.Core
	r *redactor
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.r.apply(fields)), r: c.r}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.r.text(ent.Message)
	return c.Core.Write(ent, c.r.apply(fields))
}
