package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source is one layer of configuration. Keys are section-scoped, for example
// "Foundry:Endpoint".
type Source interface {
	Lookup(key string) (string, bool)
}

// Layered consults its sources in order; the first non-empty value wins.
type Layered []Source

func (l Layered) Lookup(key string) (string, bool) {
	for _, src := range l {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

type MapSource map[string]string

func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvSource maps configuration keys to environment variable names. Keys
// without a binding are looked up by their own name.
type EnvSource struct {
	Bindings map[string]string
	Getenv   func(string) string
}

func NewEnvSource(bindings map[string]string) *EnvSource {
	return &EnvSource{Bindings: bindings, Getenv: os.Getenv}
}

func (e *EnvSource) Lookup(key string) (string, bool) {
	name := key
	if bound, ok := e.Bindings[key]; ok {
		name = bound
	}
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(name); v != "" {
		return v, true
	}
	return "", false
}

// YAMLSource serves values from a nested YAML document. Section names are
// matched case-insensitively.
type YAMLSource struct {
	root map[string]any
}

func ParseYAML(data []byte) (*YAMLSource, error) {
	root := make(map[string]any)
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return &YAMLSource{root: root}, nil
}

// LoadYAMLFile reads path. A missing file yields an empty source.
func LoadYAMLFile(path string) (*YAMLSource, error) {
	if path == "" {
		return &YAMLSource{root: map[string]any{}}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &YAMLSource{root: map[string]any{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseYAML(data)
}

func (y *YAMLSource) Lookup(key string) (string, bool) {
	var node any = y.root
	for _, part := range strings.Split(key, ":") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", false
		}
		node, ok = lookupFold(m, part)
		if !ok {
			return "", false
		}
	}

	switch v := node.(type) {
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	case string:
		return v, true
	default:
		return fmt.Sprint(v), true
	}
}

func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		err := godotenv.Load(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
