package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CERTA_"

// loader layers defaults, file and flag sources, then the environment, into
// one koanf tree and remembers which layer last changed each key.
type loader struct {
	koanf      *koanf.Koanf
	validator  *validator.Validate
	metadata   Metadata
	metadataMu sync.RWMutex
}

// NewService creates a configuration service with the certa validators registered.
func NewService() Service {
	v := validator.New()
	if err := RegisterCustomValidators(v); err != nil {
		panic(fmt.Sprintf("config: register validators: %v", err))
	}
	return &loader{
		koanf:     koanf.New("."),
		validator: v,
		metadata:  Metadata{Sources: make(map[string]SourceType)},
	}
}

// Load builds a Config. Later sources win over earlier ones and CERTA_*
// variables win over every source.
func (l *loader) Load(_ context.Context, sources ...Source) (*Config, error) {
	l.reset()
	if err := l.layer(SourceDefault, func() error {
		return l.koanf.Load(structs.Provider(Default(), "koanf"), nil)
	}); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, source := range sources {
		if source == nil {
			continue
		}
		if err := l.loadSource(source); err != nil {
			return nil, err
		}
	}
	if err := l.layer(SourceEnv, l.loadEnvironment); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return l.decode()
}

func (l *loader) reset() {
	l.koanf = koanf.New(".")
	l.metadataMu.Lock()
	l.metadata = Metadata{Sources: make(map[string]SourceType), LoadedAt: time.Now()}
	l.metadataMu.Unlock()
}

// layer runs apply and attributes every key it added or changed to source.
func (l *loader) layer(source SourceType, apply func() error) error {
	before := l.snapshot()
	if err := apply(); err != nil {
		return err
	}
	l.metadataMu.Lock()
	defer l.metadataMu.Unlock()
	for key, value := range l.snapshot() {
		if prev, ok := before[key]; !ok || !reflect.DeepEqual(prev, value) {
			l.metadata.Sources[key] = source
		}
	}
	return nil
}

// snapshot returns every leaf value with its decoded type.
func (l *loader) snapshot() map[string]any {
	keys := l.koanf.Keys()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		out[key] = l.koanf.Get(key)
	}
	return out
}

// loadSource sets only the leaf keys a source provides, so partial YAML
// documents and single flags keep the remaining defaults.
func (l *loader) loadSource(source Source) error {
	data, err := source.Load()
	if err != nil {
		return fmt.Errorf("failed to load from source %s: %w", source.Type(), err)
	}
	if len(data) == 0 {
		return nil
	}
	return l.layer(source.Type(), func() error {
		for key, value := range leaves("", data) {
			if err := l.koanf.Set(key, value); err != nil {
				return fmt.Errorf("failed to set %s from source %s: %w", key, source.Type(), err)
			}
		}
		return nil
	})
}

// loadEnvironment reads only the variables declared by env tags.
func (l *loader) loadEnvironment() error {
	paths := envPaths()
	return l.koanf.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return paths[key], value
		},
	}), nil)
}

func leaves(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range leaves(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// decode unmarshals the merged tree. Durations and comma lists arrive as
// strings from the environment.
func (l *loader) decode() (*Config, error) {
	var cfg Config
	if err := l.koanf.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				decodeSensitive,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func decodeSensitive(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != sensitiveType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(strings.TrimSpace(v)), nil
	case []byte:
		return SensitiveString(strings.TrimSpace(string(v))), nil
	}
	return data, nil
}

// Validate applies struct tags and then the cross-field rules.
func (l *loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	switch {
	case cfg.Redis.URL == "" && cfg.Redis.Addr == "":
		return fmt.Errorf("redis configuration incomplete: either url or addr required")
	case cfg.LLM.Provider != "mock" && cfg.LLM.Model == "":
		return fmt.Errorf("llm model is required for provider %q", cfg.LLM.Provider)
	case cfg.Embedder.Provider != "mock" && cfg.Embedder.Model == "":
		return fmt.Errorf("embedder model is required for provider %q", cfg.Embedder.Provider)
	}
	return nil
}

// GetSource reports the layer that last set key, SourceDefault when unknown.
func (l *loader) GetSource(key string) SourceType {
	l.metadataMu.RLock()
	defer l.metadataMu.RUnlock()
	if source, ok := l.metadata.Sources[key]; ok {
		return source
	}
	return SourceDefault
}
