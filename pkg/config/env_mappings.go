package config

import (
	"reflect"
	"sync"
)

// EnvMapping binds one CERTA_* variable to the config path it overrides.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
	// Sensitive is set for SensitiveString fields.
	Sensitive bool
}

var sensitiveType = reflect.TypeOf(SensitiveString(""))

// GenerateEnvMappings lists the env-tagged fields of Config in declaration order.
var GenerateEnvMappings = sync.OnceValue(func() []EnvMapping {
	return collectEnvMappings(reflect.TypeOf(Config{}), "", nil)
})

func collectEnvMappings(t reflect.Type, prefix string, out []EnvMapping) []EnvMapping {
	for _, field := range reflect.VisibleFields(t) {
		path, ok := koanfPath(field, prefix)
		if !ok {
			continue
		}
		if name := field.Tag.Get("env"); name != "" && name != "-" {
			out = append(out, EnvMapping{
				EnvVar:     name,
				ConfigPath: path,
				Sensitive:  field.Type == sensitiveType,
			})
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			out = collectEnvMappings(field.Type, path, out)
		}
	}
	return out
}

func koanfPath(field reflect.StructField, prefix string) (string, bool) {
	tag := field.Tag.Get("koanf")
	if !field.IsExported() || tag == "" || tag == "-" {
		return "", false
	}
	if prefix == "" {
		return tag, true
	}
	return prefix + "." + tag, true
}

// envPaths indexes GenerateEnvMappings by variable name.
func envPaths() map[string]string {
	mappings := GenerateEnvMappings()
	paths := make(map[string]string, len(mappings))
	for _, m := range mappings {
		paths[m.EnvVar] = m.ConfigPath
	}
	return paths
}
