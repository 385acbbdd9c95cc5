package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes the environment overlay. Nesting uses a double
// underscore: LOGSTREAM_STORAGE__MAX_TOTAL_BYTES sets storage.max_total_bytes.
const EnvPrefix = "LOGSTREAM_"

// applyEnv overlays LOGSTREAM_-prefixed environment variables onto cfg.
// Environment values win over file values.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")

	tf := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", tf), nil); err != nil {
		return fmt.Errorf("loading env overrides: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}

	dc := &mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook(),
			byteSizeHook(),
		),
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml", DecoderConfig: dc}); err != nil {
		return fmt.Errorf("applying env overrides: %w", err)
	}
	return nil
}

func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(Duration(0))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from.Kind() != reflect.String {
			return data, nil
		}
		parsed, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", data.(string), err)
		}
		return Duration(parsed), nil
	}
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	byteSizeType := reflect.TypeOf(ByteSize(0))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != byteSizeType || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := parseByteSize(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}
