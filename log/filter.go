package log

import (
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap/zapcore"
)

// FieldPolicy rewrites entry fields before they reach the wrapped core.
// Message payloads are logged as byte strings, so MaxBytes keeps a large or
// binary payload from flooding the output.
type FieldPolicy struct {
	Drop []string
	// MaxBytes truncates string and byte-string fields; zero keeps them whole.
	MaxBytes int
}

func (p FieldPolicy) empty() bool {
	return len(p.Drop) == 0 && p.MaxBytes <= 0
}

// NewFieldCore applies policy to every field written through core.
func NewFieldCore(core zapcore.Core, policy FieldPolicy) zapcore.Core {
	if policy.empty() {
		return core
	}
	drop := make(map[string]struct{}, len(policy.Drop))
	for _, key := range policy.Drop {
		if key != "" {
			drop[key] = struct{}{}
		}
	}
	return fieldCore{Core: core, drop: drop, max: policy.MaxBytes}
}

type fieldCore struct {
	zapcore.Core
	drop map[string]struct{}
	max  int
}

func (c fieldCore) With(fields []zapcore.Field) zapcore.Core {
	return fieldCore{
		Core: c.Core.With(c.apply(fields)),
		drop: c.drop,
		max:  c.max,
	}
}

func (c fieldCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c fieldCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.apply(fields))
}

// apply never mutates fields in place; callers may reuse the slice.
func (c fieldCore) apply(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, 0, len(fields))
	for _, field := range fields {
		if _, ok := c.drop[field.Key]; ok {
			continue
		}
		out = append(out, c.truncate(field))
	}
	return out
}

func (c fieldCore) truncate(field zapcore.Field) zapcore.Field {
	if c.max <= 0 {
		return field
	}
	switch field.Type {
	case zapcore.StringType:
		if n := len(field.String); n > c.max {
			cut := runeBoundary(field.String, c.max)
			field.String = field.String[:cut] + suffix(n-cut)
		}
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok && len(b) > c.max {
			cut := make([]byte, 0, c.max+16)
			cut = append(cut, b[:c.max]...)
			field.Interface = append(cut, suffix(len(b)-c.max)...)
		}
	}
	return field
}

// runeBoundary backs max off so that s[:max] does not split a rune.
func runeBoundary(s string, max int) int {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func suffix(n int) string {
	return "...(+" + strconv.Itoa(n) + " bytes)"
}
