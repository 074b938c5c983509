package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader overrides configuration fields from environment variables. The
// variable name is the prefix followed by the upper-cased yaml path, joined
// with underscores.
type EnvLoader struct {
	prefix  string
	environ func() []string
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix, environ: os.Environ}
}

// Load applies every matching variable to config.
func (el *EnvLoader) Load(config *Config) error {
	env := make(map[string]string)
	for _, kv := range el.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, el.prefix+"_") {
			env[k] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix, env)
}

func (el *EnvLoader) loadStruct(v reflect.Value, prefix string, env map[string]string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = fieldType.Name
		}
		envName := prefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))

		switch {
		case field.Kind() == reflect.Struct:
			if err := el.loadStruct(field, envName, env); err != nil {
				return err
			}
		case field.Kind() == reflect.Map:
			if err := el.loadMap(field, envName, env); err != nil {
				return err
			}
		default:
			value, ok := env[envName]
			if !ok {
				continue
			}
			if err := setField(field, value); err != nil {
				return fmt.Errorf("%s: %w", envName, err)
			}
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %w", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// loadMap fills a string-keyed map from PREFIX_KEY variables, e.g.
// KADNODE_LOGGING_MODULE_LEVELS_ROUTING=debug.
func (el *EnvLoader) loadMap(field reflect.Value, prefix string, env map[string]string) error {
	if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
		return fmt.Errorf("%s: only map[string]string is supported", prefix)
	}
	for k, v := range env {
		if !strings.HasPrefix(k, prefix+"_") {
			continue
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix+"_"))
		field.SetMapIndex(reflect.ValueOf(key), reflect.ValueOf(v))
	}
	return nil
}
