package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var ErrInvalidTarget = errors.New("config: target must be a pointer to a struct")
var ErrValidation = errors.New("config: validation failed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load decodes the subtree at key (the whole document when key is empty)
// into a new T. Precedence is env, then file, then WithDefault, then
// `default:` struct tags. The result is checked against `validate:` tags.
func Load[T any](key string, opts ...Option) (T, error) {
	var out T
	s := newState(opts)
	v, err := load(s, &out, key)
	if err != nil {
		return out, err
	}
	if err := decode(v, key, &out); err != nil {
		return out, fmt.Errorf("config: decode %q: %w", key, err)
	}
	if err := Validate(out); err != nil {
		return out, err
	}
	return out, nil
}

// Validate runs the `validate:` tags of v.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrValidation, verrs)
		}
		return err
	}
	return nil
}

func load(s state, target any, key string) (*viper.Viper, error) {
	v := viper.New()
	if s.envPrefix != "" {
		v.SetEnvPrefix(s.envPrefix)
	}
	if s.keyReplacer != nil {
		v.SetEnvKeyReplacer(s.keyReplacer)
	}
	if s.automaticEnv {
		v.AutomaticEnv()
	}

	if err := applyTagDefaults(v, reflect.TypeOf(target), key); err != nil {
		return nil, err
	}
	for k, val := range s.defaults {
		v.SetDefault(k, val)
	}
	for _, hook := range s.hooks {
		if err := hook(v); err != nil {
			return nil, err
		}
	}

	if s.sourceFile == "" {
		return v, nil
	}
	v.SetConfigFile(s.sourceFile)
	if s.configType != "" {
		v.SetConfigType(s.configType)
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if s.optional && (errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)) {
			return v, nil
		}
		if cleaned, ok := sanitize(s.sourceFile); ok {
			if s.configType == "" {
				if ext := strings.TrimPrefix(filepath.Ext(s.sourceFile), "."); ext != "" {
					v.SetConfigType(ext)
				}
			}
			if rerr := v.ReadConfig(bytes.NewReader(cleaned)); rerr == nil {
				return v, nil
			}
		}
		return nil, fmt.Errorf("config: read %s: %w", s.sourceFile, err)
	}
	return v, nil
}

// applyTagDefaults registers every `default:` tag as a viper default so that
// env overrides also reach keys that appear in no file.
func applyTagDefaults(v *viper.Viper, t reflect.Type, prefix string) error {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return ErrInvalidTarget
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, squash := mapstructureName(field)
		if name == "-" {
			continue
		}
		key := prefix
		if !squash {
			key = joinKey(prefix, name)
		}

		ft := field.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && !isLeafStruct(ft) {
			if err := applyTagDefaults(v, ft, key); err != nil {
				return err
			}
			continue
		}

		if def, ok := field.Tag.Lookup("default"); ok {
			v.SetDefault(key, def)
			continue
		}
		// Registering the key lets AutomaticEnv fill fields without defaults.
		v.SetDefault(key, reflect.Zero(field.Type).Interface())
	}
	return nil
}

func mapstructureName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("mapstructure")
	if tag == "" {
		return strings.ToLower(field.Name), false
	}
	parts := strings.Split(tag, ",")
	squash := false
	for _, p := range parts[1:] {
		if strings.TrimSpace(p) == "squash" {
			squash = true
		}
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = strings.ToLower(field.Name)
	}
	return name, squash
}

func isLeafStruct(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Time"
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func sanitize(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	changed := false
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		// UTF-8 BOM and zero-width spaces break the TOML and YAML parsers.
		if i+2 < len(data) && data[i] == 0xEF && data[i+1] == 0xBB && data[i+2] == 0xBF {
			i += 2
			changed = true
			continue
		}
		if i+2 < len(data) && data[i] == 0xE2 && data[i+1] == 0x80 && data[i+2] == 0x8B {
			i += 2
			changed = true
			continue
		}
		out = append(out, data[i])
	}
	if changed {
		return out, true
	}
	return nil, false
}

// decode walks AllSettings rather than using UnmarshalKey so that every
// leaf resolves env, file and defaults on its own.
func decode(v *viper.Viper, key string, out any) error {
	var sub any = v.AllSettings()
	if key != "" {
		for _, part := range strings.Split(strings.ToLower(key), ".") {
			m, ok := sub.(map[string]any)
			if !ok {
				return nil
			}
			sub = m[part]
		}
	}
	if sub == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(sub)
}

func snapshot(v *viper.Viper, key string) string {
	if key == "" {
		return fmt.Sprintf("%v", v.AllSettings())
	}
	return fmt.Sprintf("%v", v.Get(key))
}
